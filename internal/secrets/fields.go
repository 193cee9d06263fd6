package secrets

// Field-wise helpers for config maps. Job and credential-provider configs
// are stored as JSON objects in which only a few named fields are secret;
// these helpers encrypt, decrypt and merge exactly those fields and leave
// the rest of the object untouched.

import "fmt"

// EncryptFields encrypts the named string fields of obj in place. Fields
// that are absent, empty, already encrypted or masked are skipped, which
// makes the operation idempotent and safe to apply on every write path.
func EncryptFields(obj map[string]any, fields ...string) error {
	for _, f := range fields {
		v, ok := obj[f].(string)
		if !ok || v == "" {
			continue
		}
		if IsEncrypted(v) || IsMasked(v) {
			continue
		}
		token, err := Encrypt(v)
		if err != nil {
			return fmt.Errorf("secrets: encrypt field %q: %w", f, err)
		}
		obj[f] = token
	}
	return nil
}

// DecryptFields decrypts the named string fields of obj in place. Fields
// that do not carry an envelope token are left as-is; a field that does
// but fails to open is an error, since silently passing ciphertext to a
// subprocess would leak it into command lines and logs.
func DecryptFields(obj map[string]any, fields ...string) error {
	for _, f := range fields {
		v, ok := obj[f].(string)
		if !ok || !IsEncrypted(v) {
			continue
		}
		plaintext, err := Decrypt(v)
		if err != nil {
			return fmt.Errorf("secrets: decrypt field %q: %w", f, err)
		}
		obj[f] = plaintext
	}
	return nil
}

// MergeMasked copies the stored value of each named field from existing
// into incoming wherever the incoming value is masked. Updates submitted
// through the API render secrets masked, and this is what keeps a
// round-tripped form from destroying the stored ciphertext.
func MergeMasked(incoming, existing map[string]any, fields ...string) {
	for _, f := range fields {
		v, ok := incoming[f].(string)
		if !ok || !IsMasked(v) {
			continue
		}
		if prior, ok := existing[f]; ok {
			incoming[f] = prior
		}
	}
}

// MaskFields replaces the named fields of obj with display renderings.
// Encrypted fields are fully redacted; plaintext fields show a short
// prefix. Used when returning stored configs over the API.
func MaskFields(obj map[string]any, fields ...string) {
	for _, f := range fields {
		v, ok := obj[f].(string)
		if !ok || v == "" {
			continue
		}
		if IsEncrypted(v) {
			obj[f] = Masked
			continue
		}
		obj[f] = Mask(v)
	}
}
