// Generic HTTP handler wrappers that decode requests, validate, call a typed
// handler function, and encode JSON responses or structured errors.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/devteamhq/runner/internal/server/dto"
)

// maxBodyBytes bounds request bodies; the largest legal body is an event
// with a 1 MiB data attachment.
const maxBodyBytes = 2 << 20

// handle wraps a typed handler function into an http.HandlerFunc. It reads
// the JSON body, populates path parameters via `path` struct tags, validates,
// calls fn, and writes the JSON response (with the given status) or a
// structured error.
func handle[In any, PtrIn interface {
	*In
	dto.Validatable
}, Out any](status int, fn func(context.Context, PtrIn) (*Out, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		in := PtrIn(new(In))
		if !readAndDecodeBody(w, r, in) {
			return
		}
		populatePathParams(r, in)
		if err := in.Validate(); err != nil {
			writeError(w, err)
			return
		}
		out, err := fn(r.Context(), in)
		writeJSON(w, status, out, err)
	}
}

// readAndDecodeBody reads the request body and decodes JSON into input. It
// skips decoding for dto.EmptyReq. Returns false if an error was written.
func readAndDecodeBody[In any](w http.ResponseWriter, r *http.Request, input *In) bool {
	if _, isEmpty := any(input).(*dto.EmptyReq); isEmpty {
		return true
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err2 := r.Body.Close(); err == nil {
		err = err2
	}
	if err != nil {
		writeError(w, dto.BadRequest("failed to read request body"))
		return false
	}
	if len(body) > maxBodyBytes {
		writeError(w, dto.Validation("request body too large"))
		return false
	}
	if len(body) == 0 {
		return true
	}
	d := json.NewDecoder(bytes.NewReader(body))
	if err := d.Decode(input); err != nil {
		slog.Debug("failed to decode request body", "err", err)
		writeError(w, dto.BadRequest("invalid request body"))
		return false
	}
	return true
}

// populatePathParams extracts route parameters and populates struct fields
// tagged with `path:"paramName"`.
func populatePathParams(r *http.Request, input any) {
	val := reflect.ValueOf(input)
	if val.Kind() != reflect.Pointer {
		return
	}
	elem := val.Elem()
	if elem.Kind() != reflect.Struct {
		return
	}
	typ := elem.Type()
	for i := range typ.NumField() {
		field := typ.Field(i)
		tag := field.Tag.Get("path")
		if tag == "" {
			continue
		}
		paramValue := chi.URLParam(r, tag)
		if paramValue == "" {
			continue
		}
		//exhaustive:ignore
		switch field.Type.Kind() {
		case reflect.String:
			elem.Field(i).SetString(paramValue)
		case reflect.Int:
			if v, err := strconv.Atoi(paramValue); err == nil {
				elem.Field(i).SetInt(int64(v))
			}
		}
	}
}
