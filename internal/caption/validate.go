package caption

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// Response shape errors. All of them send the resolver on to the next model.
var (
	errMalformedJSON = errors.New("response is not valid JSON")
	errNotArray      = errors.New("response is not a JSON array")
	errBadElement    = errors.New("response element has no string generated_text")
)

// parseCaptions accepts only a JSON array whose elements are all objects carrying a string
// generated_text field, and returns those texts in order. An empty array is valid and yields nil.
func parseCaptions(body []byte) ([]string, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return nil, errMalformedJSON
	}

	parsed := gjson.ParseBytes(body)
	if !parsed.IsArray() {
		if msg := providerMessage(parsed); msg != "" {
			return nil, fmt.Errorf("%w: provider said %q", errNotArray, msg)
		}
		return nil, errNotArray
	}

	var (
		captions []string
		shapeErr error
		idx      int
	)
	parsed.ForEach(func(_, value gjson.Result) bool {
		text := value.Get("generated_text")
		if !value.IsObject() || text.Type != gjson.String {
			shapeErr = fmt.Errorf("%w (element %d)", errBadElement, idx)
			return false
		}
		captions = append(captions, text.String())
		idx++
		return true
	})
	if shapeErr != nil {
		return nil, shapeErr
	}
	return captions, nil
}

// providerMessage pulls a human readable message out of an error envelope such as
// {"error":"Model is currently loading","estimated_time":20}.
func providerMessage(parsed gjson.Result) string {
	if !parsed.IsObject() {
		return ""
	}
	for _, path := range []string{"error.message", "error", "message"} {
		if v := parsed.Get(path); v.Exists() && v.Type == gjson.String {
			return v.String()
		}
	}
	return ""
}
