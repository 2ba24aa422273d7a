package secrets

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"filippo.io/age"
)

// AgeFile reads secrets from an age-encrypted dotenv file (NAME=value per
// line, # comments). The file is decrypted on first lookup and kept in
// memory.
type AgeFile struct {
	Path         string
	IdentityPath string

	once    sync.Once
	values  map[string]string
	loadErr error
}

func (a *AgeFile) Lookup(ctx context.Context, name string) (Value, error) {
	a.once.Do(func() { a.values, a.loadErr = a.load() })
	if a.loadErr != nil {
		return Value{}, a.loadErr
	}
	v, ok := a.values[name]
	if !ok {
		return Value{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return NewValue(name, v), nil
}

func (a *AgeFile) load() (map[string]string, error) {
	idFile, err := os.Open(a.IdentityPath)
	if err != nil {
		return nil, fmt.Errorf("opening age identity: %w", err)
	}
	defer idFile.Close()
	identities, err := age.ParseIdentities(idFile)
	if err != nil {
		return nil, fmt.Errorf("parsing age identity: %w", err)
	}

	ciphertext, err := os.ReadFile(a.Path)
	if err != nil {
		return nil, fmt.Errorf("reading secrets file: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(ciphertext), identities...)
	if err != nil {
		return nil, fmt.Errorf("decrypting secrets file: %w", err)
	}
	return parseDotenv(r)
}

// EncryptDotenv encrypts NAME=value pairs to recipient, producing the format
// AgeFile reads.
func EncryptDotenv(w io.Writer, recipient string, values map[string]string) error {
	rcpt, err := age.ParseX25519Recipient(recipient)
	if err != nil {
		return fmt.Errorf("parsing recipient: %w", err)
	}
	enc, err := age.Encrypt(w, rcpt)
	if err != nil {
		return fmt.Errorf("creating age encryptor: %w", err)
	}
	for k, v := range values {
		if strings.ContainsAny(v, "\n") {
			return fmt.Errorf("secret %s: multi-line values are not supported", k)
		}
		if _, err := fmt.Fprintf(enc, "%s=%s\n", k, v); err != nil {
			return err
		}
	}
	return enc.Close()
}

func parseDotenv(r io.Reader) (map[string]string, error) {
	values := make(map[string]string)
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		text = strings.TrimPrefix(text, "export ")
		k, v, ok := strings.Cut(text, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("secrets file line %d: expected NAME=value", line)
		}
		v = strings.TrimSpace(v)
		if len(v) >= 2 && (v[0] == '"' && v[len(v)-1] == '"' || v[0] == '\'' && v[len(v)-1] == '\'') {
			v = v[1 : len(v)-1]
		}
		values[strings.TrimSpace(k)] = v
	}
	return values, sc.Err()
}
