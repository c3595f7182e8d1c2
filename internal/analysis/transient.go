package analysis

import (
	"errors"
	"net"

	openai "github.com/sashabaranov/go-openai"
	"google.golang.org/genai"
)

// IsTransient reports whether err is worth retrying: the provider was
// overloaded or briefly unavailable. Bad-input and auth failures are not
// transient and must skip the retry budget.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var oaErr *openai.APIError
	if errors.As(err, &oaErr) {
		return retriableStatus(oaErr.HTTPStatusCode)
	}

	var gaErr genai.APIError
	if errors.As(err, &gaErr) {
		return retriableStatus(gaErr.Code)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	return false
}

func retriableStatus(code int) bool {
	return code == 408 || code == 429 || code >= 500
}
