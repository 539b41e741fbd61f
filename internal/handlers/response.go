package handlers

import (
	"encoding/json"
	"strconv"

	xhttp "github.com/nimasrn/message-dispatcher/pkg/http"
)

type envelope struct {
	Success bool              `json:"success"`
	Message string            `json:"message,omitempty"`
	Data    any               `json:"data,omitempty"`
	Error   string            `json:"error,omitempty"`
	Errors  map[string]string `json:"errors,omitempty"`
}

func readJSON(ctx *xhttp.RequestCtx, dst any) error {
	return json.Unmarshal(ctx.PostBody(), dst)
}

func writeJSON(ctx *xhttp.RequestCtx, status int, v any) {
	b, _ := json.Marshal(v)
	ctx.Response.Header.Set("Content-Type", "application/json; charset=utf-8")
	ctx.Response.SetStatusCode(status)
	ctx.Response.SetBodyRaw(b)
}

func writeSuccess(ctx *xhttp.RequestCtx, status int, message string, data any) {
	writeJSON(ctx, status, envelope{Success: true, Message: message, Data: data})
}

func writeError(ctx *xhttp.RequestCtx, status int, message string, err error) {
	e := envelope{Message: message}
	if err != nil {
		e.Error = err.Error()
	}
	writeJSON(ctx, status, e)
}

func queryInt(ctx *xhttp.RequestCtx, key string, def int) int {
	v := ctx.QueryArgs().Peek(key)
	if len(v) == 0 {
		return def
	}
	n, err := strconv.Atoi(string(v))
	if err != nil || n <= 0 {
		return def
	}
	return n
}
