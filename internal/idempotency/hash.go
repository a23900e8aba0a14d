package idempotency

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/anstrom/scanqueue/internal/errors"
)

const (
	// HeaderName carries the deduplication key on HTTP requests.
	HeaderName = "X-Idempotency-Key"
	// ArgName carries the deduplication key in request arguments.
	ArgName = "idempotency_key"
)

// ExtractKey returns the deduplication key from the header or the argument.
// Both present and different is a validation error. An empty result means
// the request is not deduplicated.
func ExtractKey(headers http.Header, args map[string]any) (string, error) {
	var header string
	if headers != nil {
		header = strings.TrimSpace(headers.Get(HeaderName))
	}

	var arg string
	if raw, ok := args[ArgName]; ok && raw != nil {
		s, ok := raw.(string)
		if !ok {
			return "", errors.ErrValidation(fmt.Sprintf("%s must be a string", ArgName))
		}
		arg = strings.TrimSpace(s)
	}

	switch {
	case header != "" && arg != "" && header != arg:
		return "", errors.ErrIdempotencyKeyMismatch(header, arg)
	case header != "":
		return header, nil
	default:
		return arg, nil
	}
}

// HashRequest returns the hex BLAKE2b-256 digest of the canonical form of
// params. Canonicalization:
//   - the idempotency_key argument is ignored
//   - nil, empty strings, empty lists and empty maps are treated as absent
//   - strings are trimmed of surrounding whitespace
//   - numbers are written in their shortest decimal form, so 1, 1.0 and
//     json.Number("1") hash identically
//   - booleans stay booleans and never equal their string spelling
//   - map keys are sorted at every level, list order is kept and absent
//     list elements are dropped
func HashRequest(params map[string]any) (string, error) {
	filtered := make(map[string]any, len(params))
	for k, v := range params {
		if k == ArgName {
			continue
		}
		filtered[k] = v
	}

	canonical, present, err := canonicalize(filtered)
	if err != nil {
		return "", errors.WrapTaskError(errors.CodeValidation, "request parameters cannot be hashed", "", err)
	}
	if !present {
		canonical = map[string]any{}
	}

	data, err := json.Marshal(canonical)
	if err != nil {
		return "", errors.WrapTaskError(errors.CodeValidation, "request parameters cannot be hashed", "", err)
	}
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func canonicalize(v any) (any, bool, error) {
	switch val := v.(type) {
	case nil:
		return nil, false, nil
	case string:
		s := strings.TrimSpace(val)
		return s, s != "", nil
	case bool:
		return val, true, nil
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return formatNumber(f), true, nil
		}
		return canonicalize(string(val))
	case float64:
		return formatNumber(val), true, nil
	case float32:
		return formatNumber(float64(val)), true, nil
	case int:
		return json.Number(strconv.FormatInt(int64(val), 10)), true, nil
	case int32:
		return json.Number(strconv.FormatInt(int64(val), 10)), true, nil
	case int64:
		return json.Number(strconv.FormatInt(val, 10)), true, nil
	case uint:
		return json.Number(strconv.FormatUint(uint64(val), 10)), true, nil
	case uint64:
		return json.Number(strconv.FormatUint(val, 10)), true, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			c, ok, err := canonicalize(item)
			if err != nil {
				return nil, false, err
			}
			if ok {
				out[k] = c
			}
		}
		return out, len(out) > 0, nil
	case map[string]string:
		out := make(map[string]any, len(val))
		for k, item := range val {
			if s := strings.TrimSpace(item); s != "" {
				out[k] = s
			}
		}
		return out, len(out) > 0, nil
	case []any:
		out := make([]any, 0, len(val))
		for _, item := range val {
			c, ok, err := canonicalize(item)
			if err != nil {
				return nil, false, err
			}
			if ok {
				out = append(out, c)
			}
		}
		return out, len(out) > 0, nil
	case []string:
		items := make([]any, len(val))
		for i, s := range val {
			items[i] = s
		}
		return canonicalize(items)
	default:
		return canonicalizeReflect(v)
	}
}

// canonicalizeReflect round-trips values of other types through JSON so they
// follow the same rules as decoded request bodies.
func canonicalizeReflect(v any) (any, bool, error) {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer && rv.IsNil() {
		return nil, false, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, false, err
	}
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, false, err
	}
	return canonicalize(generic)
}

func formatNumber(f float64) json.Number {
	return json.Number(strconv.FormatFloat(f, 'f', -1, 64))
}
