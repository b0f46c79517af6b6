package ephemeralvc

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"golang.org/x/crypto/argon2"
	"strings"
)

const argon2SaltLength = 16

var errInvalidHash = errors.New("invalid password hash")

// argon2Params are the argon2id cost settings. They're encoded into
// each hash, so changing them doesn't invalidate stored passwords.
type argon2Params struct {
	memory  uint32
	time    uint32
	threads uint8
	keyLen  uint32
}

var defaultArgon2Params = argon2Params{
	memory:  64 * 1024,
	time:    1,
	threads: 4,
	keyLen:  32,
}

// hashPassword hashes password with argon2id, in the PHC string format:
// $argon2id$v=19$m=65536,t=1,p=4$<salt>$<key>
func hashPassword(password string) (string, error) {
	p := defaultArgon2Params
	salt := make([]byte, argon2SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	key := argon2.IDKey([]byte(password), salt, p.time, p.memory, p.threads, p.keyLen)

	enc := base64.RawStdEncoding
	return strings.Join(
		[]string{
			"",
			"argon2id",
			fmt.Sprintf("v=%d", argon2.Version),
			fmt.Sprintf("m=%d,t=%d,p=%d", p.memory, p.time, p.threads),
			enc.EncodeToString(salt),
			enc.EncodeToString(key),
		},
		"$",
	), nil
}

func decodePasswordHash(encoded string) (p argon2Params, salt []byte, key []byte, err error) {
	fields := strings.Split(encoded, "$")
	if len(fields) != 6 || fields[1] != "argon2id" {
		return p, nil, nil, errInvalidHash
	}
	var version int
	if _, err = fmt.Sscanf(fields[2], "v=%d", &version); err != nil || version != argon2.Version {
		return p, nil, nil, errInvalidHash
	}
	_, err = fmt.Sscanf(fields[3], "m=%d,t=%d,p=%d", &p.memory, &p.time, &p.threads)
	if err != nil {
		return p, nil, nil, errInvalidHash
	}

	enc := base64.RawStdEncoding
	if salt, err = enc.DecodeString(fields[4]); err != nil {
		return p, nil, nil, errInvalidHash
	}
	if key, err = enc.DecodeString(fields[5]); err != nil {
		return p, nil, nil, errInvalidHash
	}
	p.keyLen = uint32(len(key))
	return p, salt, key, nil
}

// verifyPassword reports whether password matches the stored hash
func verifyPassword(encoded, password string) (bool, error) {
	p, salt, key, err := decodePasswordHash(encoded)
	if err != nil {
		return false, err
	}
	other := argon2.IDKey([]byte(password), salt, p.time, p.memory, p.threads, p.keyLen)
	return subtle.ConstantTimeCompare(key, other) == 1, nil
}
