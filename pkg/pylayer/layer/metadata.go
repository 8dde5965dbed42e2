package layer

import (
	"encoding/hex"
	"fmt"
	"reflect"
	"strings"

	"github.com/minio/highwayhash"
	"github.com/pelletier/go-toml/v2"
	"golang.org/x/xerrors"
)

const fingerprintKey = "9c1f5a0b7d2e43681ab4c5d6e7f8091a2b3c4d5e6f708192a3b4c5d6e7f80912"

// Decision is the outcome of comparing stored layer metadata with the current one
type Decision struct {
	Keep bool
	// Reasons has one entry per differing field. It is empty iff Keep is true.
	Reasons []string
}

// Decide compares two metadata records field by field. The layer is kept iff every
// field is equal; every differing field contributes one human-readable reason.
//
// Field names in reasons come from the `label` struct tag, falling back to the TOML key.
func Decide(previous, current interface{}) Decision {
	pv, cv := indirect(reflect.ValueOf(previous)), indirect(reflect.ValueOf(current))
	if !pv.IsValid() || !cv.IsValid() {
		if pv.IsValid() == cv.IsValid() {
			return Decision{Keep: true}
		}
		return Decision{Reasons: []string{"The layer metadata format has changed"}}
	}
	if pv.Type() != cv.Type() {
		return Decision{Reasons: []string{"The layer metadata format has changed"}}
	}

	if pv.Kind() != reflect.Struct {
		if reflect.DeepEqual(pv.Interface(), cv.Interface()) {
			return Decision{Keep: true}
		}
		return Decision{Reasons: []string{fmt.Sprintf("The layer metadata has changed from %v to %v", pv.Interface(), cv.Interface())}}
	}

	var reasons []string
	tpe := pv.Type()
	for i := 0; i < tpe.NumField(); i++ {
		field := tpe.Field(i)
		if !field.IsExported() {
			continue
		}

		pf, cf := pv.Field(i).Interface(), cv.Field(i).Interface()
		if reflect.DeepEqual(pf, cf) {
			continue
		}
		reasons = append(reasons, fmt.Sprintf("The %s has changed from %v to %v", fieldLabel(field), pf, cf))
	}
	if len(reasons) == 0 {
		return Decision{Keep: true}
	}
	return Decision{Reasons: reasons}
}

func indirect(v reflect.Value) reflect.Value {
	for v.IsValid() && (v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface) {
		if v.IsNil() {
			return reflect.Value{}
		}
		v = v.Elem()
	}
	return v
}

func fieldLabel(field reflect.StructField) string {
	if l := field.Tag.Get("label"); l != "" {
		return l
	}
	if n, _, _ := strings.Cut(field.Tag.Get("toml"), ","); n != "" {
		return n
	}
	return field.Name
}

// Fingerprint produces a short, stable digest of a metadata record for log output
func Fingerprint(metadata interface{}) (string, error) {
	key, err := hex.DecodeString(fingerprintKey)
	if err != nil {
		return "", err
	}
	hash, err := highwayhash.New(key)
	if err != nil {
		return "", err
	}

	fc, err := toml.Marshal(metadata)
	if err != nil {
		return "", xerrors.Errorf("cannot serialize metadata: %w", err)
	}
	_, err = hash.Write(fc)
	if err != nil {
		return "", err
	}

	return hex.EncodeToString(hash.Sum(nil))[:16], nil
}
