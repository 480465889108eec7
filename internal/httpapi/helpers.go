package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/docuvault/doclease/api"
)

func requireMethod(r *http.Request, method string) error {
	if r.Method != method {
		return httpError{
			Status: http.StatusMethodNotAllowed,
			Code:   api.CodeValidation,
			Detail: fmt.Sprintf("method %s not allowed", r.Method),
		}
	}
	return nil
}

func decodeRequest(r *http.Request, dst any) error {
	if err := decodeJSONBody(io.LimitReader(r.Body, requestBodyLimit), dst); err != nil {
		return httpError{Status: http.StatusBadRequest, Code: api.CodeValidation, Detail: err.Error()}
	}
	return nil
}

func decodeJSONBody(body io.Reader, dst any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	var trailing json.RawMessage
	if err := dec.Decode(&trailing); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return errors.New("unexpected trailing JSON value")
}

func parseBool(value string) bool {
	if value == "" {
		return false
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(value))
	return err == nil && parsed
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Debug("http.response.encode_error", "error", err)
	}
}
