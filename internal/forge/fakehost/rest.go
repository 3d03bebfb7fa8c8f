package shamhub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"
)

// notFoundError marks an error as corresponding to an HTTP 404 response
// when returned from a REST handler built with [buildRESTHandler].
type notFoundError struct{ msg string }

func (e *notFoundError) Error() string { return e.msg }

// notFoundErrorf builds an error that [buildRESTHandler] will translate
// into an HTTP 404 response.
func notFoundErrorf(format string, args ...any) error {
	return &notFoundError{msg: fmt.Sprintf(format, args...)}
}

// shamhubRESTHandler registers a typed REST handler under pattern,
// reusing the [shamhubHandler] registry.
//
// fn receives the *ShamHub instance that's serving the request,
// the request context, and a decoded request value built from the
// incoming HTTP request's path parameters, form/query parameters,
// and JSON body (see [buildRESTHandler] for the decoding rules).
func shamhubRESTHandler[Req, Res any](pattern string, fn func(*ShamHub, context.Context, Req) (Res, error)) struct{} {
	return shamhubHandler(pattern, func(sh *ShamHub, w http.ResponseWriter, r *http.Request) {
		buildRESTHandler(sh, fn).ServeHTTP(w, r)
	})
}

// buildRESTHandler builds an http.Handler out of a typed REST handler
// function.
//
// Req may be a struct type or a pointer to a struct type.
// Its fields are populated, in order, from:
//
//   - the JSON request body, unless the method doesn't carry one
//   - path parameters, tagged with `path:"name"`
//   - form/query parameters, tagged with `form:"name"` or `form:"name,required"`
//   - query parameters, tagged with `query:"name"`
//
// Path parameters are always required.
// Fields tagged json:"-" are skipped during JSON decoding but are still
// eligible for path/form/query binding.
//
// If fn returns an error built with [notFoundErrorf],
// the response is a 404 with the error message as the body.
// Any other error produces a 500 with an "error: "-prefixed body.
// Otherwise, the returned value is JSON-encoded as the response body.
func buildRESTHandler[S, Req, Res any](state S, fn func(S, context.Context, Req) (Res, error)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req, err := decodeRESTRequest[Req](r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		res, err := fn(state, r.Context(), req)
		if err != nil {
			writeRESTError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(res); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}

func writeRESTError(w http.ResponseWriter, err error) {
	var nfe *notFoundError
	if errors.As(err, &nfe) {
		http.Error(w, nfe.Error(), http.StatusNotFound)
		return
	}

	http.Error(w, "error: "+err.Error(), http.StatusInternalServerError)
}

func decodeRESTRequest[Req any](r *http.Request) (Req, error) {
	var zero Req

	reqType := reflect.TypeOf(zero)

	var (
		structType reflect.Type
		isPointer  bool
	)
	switch reqType.Kind() {
	case reflect.Pointer:
		structType = reqType.Elem()
		isPointer = true
	case reflect.Struct:
		structType = reqType
	default:
		return zero, fmt.Errorf("unsupported request type %v", reqType)
	}

	ptr := reflect.New(structType) // *structType

	if body, err := readNonEmptyBody(r); err != nil {
		return zero, fmt.Errorf("read request body: %w", err)
	} else if len(body) > 0 {
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.DisallowUnknownFields()
		if err := dec.Decode(ptr.Interface()); err != nil {
			return zero, fmt.Errorf("decode request: %w", err)
		}
	}

	elem := ptr.Elem()
	for i := range structType.NumField() {
		field := structType.Field(i)
		fieldVal := elem.Field(i)

		if name, ok := field.Tag.Lookup("path"); ok {
			value := r.PathValue(name)
			if value == "" {
				return zero, fmt.Errorf("missing required path parameter: %s", name)
			}
			if err := setFieldFromString(fieldVal, value); err != nil {
				return zero, fmt.Errorf("decode field %s: %w", name, err)
			}
			continue
		}

		if tag, ok := field.Tag.Lookup("form"); ok {
			name, required := parseBindTag(tag)
			value := r.URL.Query().Get(name)
			if value == "" {
				if required {
					return zero, fmt.Errorf("missing required form parameter: %s", name)
				}
				continue
			}
			if err := setFieldFromString(fieldVal, value); err != nil {
				return zero, fmt.Errorf("decode field %s: %w", name, err)
			}
			continue
		}

		if tag, ok := field.Tag.Lookup("query"); ok {
			name, required := parseBindTag(tag)
			value := r.URL.Query().Get(name)
			if value == "" {
				if required {
					return zero, fmt.Errorf("missing required query parameter: %s", name)
				}
				continue
			}
			if err := setFieldFromString(fieldVal, value); err != nil {
				return zero, fmt.Errorf("decode field %s: %w", name, err)
			}
			continue
		}
	}

	if isPointer {
		return ptr.Interface().(Req), nil
	}
	return elem.Interface().(Req), nil
}

func parseBindTag(tag string) (name string, required bool) {
	name, rest, _ := strings.Cut(tag, ",")
	return name, rest == "required"
}

func setFieldFromString(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	default:
		return fmt.Errorf("unsupported field type %v", field.Type())
	}
	return nil
}

func readNonEmptyBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer func() { _ = r.Body.Close() }()
	return io.ReadAll(r.Body)
}
