package fixtures

import (
	"strings"

	"github.com/nimasrn/message-dispatcher/internal/model"
)

var (
	ValidPhoneNumbers = []string{
		"+905551111111",
		"+905552222222",
		"+14155552671",
		"+447911123456",
		"+12",
	}

	InvalidPhoneNumbers = []string{
		"",
		"905551111111",
		"+0555111111",
		"+",
		"+90 555 111 11 11",
		"+1234567890123456",
	}

	ValidContents = []string{
		"Insider - Project",
		"x",
		strings.Repeat("a", 160),
		strings.Repeat("ç", 160),
	}

	InvalidContents = []string{
		"",
		"   ",
		"\n\t",
		strings.Repeat("a", 161),
	}
)

func NewCreateRequest(phone, content string) model.MessageCreateRequest {
	return model.MessageCreateRequest{
		PhoneNumber: phone,
		Content:     content,
	}
}

func ValidCreateRequest() model.MessageCreateRequest {
	return NewCreateRequest(ValidPhoneNumbers[0], ValidContents[0])
}
