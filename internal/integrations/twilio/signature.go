package twilio

import (
	"net/url"
	"strings"

	twilioclient "github.com/twilio/twilio-go/client"
)

// ValidSignature reports whether signature is the X-Twilio-Signature Twilio
// computed for a webhook POST to requestURL with the given form parameters.
func ValidSignature(authToken, requestURL string, params url.Values, signature string) bool {
	signature = strings.TrimSpace(signature)
	if authToken == "" || signature == "" {
		return false
	}
	form := make(map[string]string, len(params))
	for k := range params {
		form[k] = params.Get(k)
	}
	validator := twilioclient.NewRequestValidator(authToken)
	return validator.Validate(requestURL, form, signature)
}
