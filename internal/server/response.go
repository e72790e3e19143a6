package server

import (
	"encoding/json"
	"net/http"
)

type responseMessage struct {
	Message string `json:"message"`
}

func httpResponse(w http.ResponseWriter, msg string, code int) {
	v, _ := json.Marshal(responseMessage{
		Message: msg,
	})

	httpResponseJSONByte(w, v, code)
}

// errorBody is the §6 error envelope: {"error":{"code","message",...context}}.
// extra is merged alongside code/message (e.g. "feature", "level", "reason",
// the quota's remaining counters) for the three reserved codes that carry
// more than a message.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Extra   any    `json:"-"`
}

func (e errorBody) MarshalJSON() ([]byte, error) {
	fields := map[string]any{"code": e.Code, "message": e.Message}
	if e.Extra != nil {
		extraJSON, err := json.Marshal(e.Extra)
		if err != nil {
			return nil, err
		}
		var extraFields map[string]any
		if err := json.Unmarshal(extraJSON, &extraFields); err != nil {
			return nil, err
		}
		for k, v := range extraFields {
			fields[k] = v
		}
	}
	return json.Marshal(fields)
}

// httpError writes the §6 error envelope for a reserved code. extra, if
// non-nil, is a struct/map whose fields are merged into the envelope
// alongside code and message (e.g. the feature name, maintenance level and
// reason, or quota remaining counters).
func httpError(w http.ResponseWriter, code, msg string, status int, extra any) {
	v, _ := json.Marshal(struct {
		Error errorBody `json:"error"`
	}{Error: errorBody{Code: code, Message: msg, Extra: extra}})

	httpResponseJSONByte(w, v, status)
}

func httpResponseJSON(w http.ResponseWriter, msg any, code int) {
	v, _ := json.Marshal(msg)

	httpResponseJSONByte(w, v, code)
}

func httpResponseJSONByte(w http.ResponseWriter, msg []byte, code int) {
	w.Header().Set("Content-Type", "application/json")

	w.WriteHeader(code)
	w.Write(msg)
}
