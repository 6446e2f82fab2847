// Package wire is the single boundary where backend and live-feed payloads are
// read. Raw field names appear nowhere else; everything past this package works
// with chat types.
package wire

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/mitchellh/mapstructure"
)

// decode maps a generic JSON value onto out using json tags. Input is weakly
// typed: numeric strings become numbers and timestamps may be RFC 3339 strings
// or unix milliseconds.
func decode(in any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			timeHook(),
			idHook(),
		),
	})
	if err != nil {
		return fmt.Errorf("new decoder: %w", err)
	}
	if err := dec.Decode(in); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

var (
	timeType = reflect.TypeOf(time.Time{})
	idType   = reflect.TypeOf(ID(""))
)

func timeHook() mapstructure.DecodeHookFuncType {
	return func(from, to reflect.Type, data any) (any, error) {
		if to != timeType {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			if v == "" {
				return time.Time{}, nil
			}
			if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
				return t, nil
			}
			if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
				return time.UnixMilli(ms), nil
			}
			return nil, fmt.Errorf("invalid timestamp %q", v)
		case json.Number:
			ms, err := v.Int64()
			if err != nil {
				return nil, fmt.Errorf("invalid timestamp %s", v)
			}
			return time.UnixMilli(ms), nil
		case float64:
			return time.UnixMilli(int64(v)), nil
		case int64:
			return time.UnixMilli(v), nil
		case int:
			return time.UnixMilli(int64(v)), nil
		case nil:
			return time.Time{}, nil
		}
		return data, nil
	}
}

// ID is an identifier the backend may send as a number or a string.
type ID string

func idHook() mapstructure.DecodeHookFuncType {
	return func(from, to reflect.Type, data any) (any, error) {
		if to != idType {
			return data, nil
		}
		switch v := data.(type) {
		case json.Number:
			return ID(v.String()), nil
		case float64:
			return ID(strconv.FormatInt(int64(v), 10)), nil
		case int64:
			return ID(strconv.FormatInt(v, 10)), nil
		case int:
			return ID(strconv.Itoa(v)), nil
		case nil:
			return ID(""), nil
		}
		return data, nil
	}
}
