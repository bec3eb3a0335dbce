package storagekit

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"unicode"
)

const (
	connSchemeSeparator = "://"
	connParamSeparator  = ";"
	connNativeKey       = "native"
)

// ConnectionString configures a backend as prefix://key1=value1;key2=value2.
//
// Values are URL-encoded. The reserved native= key swallows the rest of the
// string verbatim, so it may contain ';' and '=' and always comes last.
// A bare prefix without "://" is valid and carries no parameters.
type ConnectionString struct {
	Prefix     string
	Parameters map[string]string
	Native     string
}

// NewConnectionString returns an empty connection string for prefix.
func NewConnectionString(prefix string) *ConnectionString {
	return &ConnectionString{Prefix: prefix, Parameters: make(map[string]string)}
}

// ParseConnectionString parses s. Surrounding whitespace is ignored except
// inside the native remainder, which is kept verbatim.
func ParseConnectionString(s string) (*ConnectionString, error) {
	s = strings.TrimLeftFunc(s, unicode.IsSpace)
	if strings.TrimSpace(s) == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidConnectionString)
	}

	prefix, body, hasBody := strings.Cut(s, connSchemeSeparator)
	if !hasBody {
		prefix = strings.TrimRightFunc(prefix, unicode.IsSpace)
	}
	if prefix == "" {
		return nil, fmt.Errorf("%w: missing prefix in %q", ErrInvalidConnectionString, s)
	}
	cs := NewConnectionString(prefix)
	if !hasBody {
		return cs, nil
	}

	for body != "" {
		if len(body) > len(connNativeKey) && strings.EqualFold(body[:len(connNativeKey)+1], connNativeKey+"=") {
			cs.Native = body[len(connNativeKey)+1:]
			break
		}

		segment, rest, more := strings.Cut(body, connParamSeparator)
		body = rest
		if !more {
			segment = strings.TrimRightFunc(segment, unicode.IsSpace)
		}
		if segment == "" {
			continue
		}

		rawKey, rawValue, _ := strings.Cut(segment, "=")
		key, err := url.QueryUnescape(rawKey)
		if err != nil {
			return nil, fmt.Errorf("%w: bad key %q: %v", ErrInvalidConnectionString, rawKey, err)
		}
		value, err := url.QueryUnescape(rawValue)
		if err != nil {
			return nil, fmt.Errorf("%w: bad value for %q: %v", ErrInvalidConnectionString, key, err)
		}
		cs.Set(key, value)
	}

	return cs, nil
}

// String serializes the connection string. Parameters are written in key
// order so the output is stable.
func (cs *ConnectionString) String() string {
	if len(cs.Parameters) == 0 && cs.Native == "" {
		return cs.Prefix
	}

	keys := make([]string, 0, len(cs.Parameters))
	for k := range cs.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys)+1)
	for _, k := range keys {
		parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(cs.Parameters[k]))
	}
	if cs.Native != "" {
		parts = append(parts, connNativeKey+"="+cs.Native)
	}
	return cs.Prefix + connSchemeSeparator + strings.Join(parts, connParamSeparator)
}

// Get looks key up case-insensitively.
func (cs *ConnectionString) Get(key string) (string, bool) {
	if v, ok := cs.Parameters[key]; ok {
		return v, true
	}
	for k, v := range cs.Parameters {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return "", false
}

// Set stores value under key, replacing any differently cased duplicate.
func (cs *ConnectionString) Set(key, value string) {
	if cs.Parameters == nil {
		cs.Parameters = make(map[string]string)
	}
	for k := range cs.Parameters {
		if strings.EqualFold(k, key) {
			delete(cs.Parameters, k)
		}
	}
	cs.Parameters[key] = value
}

// Required returns the value of key or an error naming the missing key.
func (cs *ConnectionString) Required(key string) (string, error) {
	v, ok := cs.Get(key)
	if !ok || v == "" {
		return "", fmt.Errorf("%w: %s: parameter %q is required", ErrInvalidConnectionString, cs.Prefix, key)
	}
	return v, nil
}

// Bool parses key as a boolean, falling back to def when absent.
func (cs *ConnectionString) Bool(key string, def bool) (bool, error) {
	v, ok := cs.Get(key)
	if !ok || v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("%w: %s: parameter %q: %v", ErrInvalidConnectionString, cs.Prefix, key, err)
	}
	return b, nil
}

// Int64 parses key as an integer, falling back to def when absent.
func (cs *ConnectionString) Int64(key string, def int64) (int64, error) {
	v, ok := cs.Get(key)
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def, fmt.Errorf("%w: %s: parameter %q: %v", ErrInvalidConnectionString, cs.Prefix, key, err)
	}
	return n, nil
}

// Base64 returns a base64 value such as an account key. An unescaped '+'
// in the raw string decodes to a space, which base64 never contains, so
// spaces are turned back into '+'.
func (cs *ConnectionString) Base64(key string) (string, bool) {
	v, ok := cs.Get(key)
	return strings.ReplaceAll(v, " ", "+"), ok
}
