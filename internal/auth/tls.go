// Package auth resolves the client certificate material used to talk to etcd.
package auth

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/etcd-backup-restore/internal/config"
)

var ErrMissingMaterial = errors.New("tls material missing or unreadable")

// Material holds paths to the CA bundle and client key pair.
type Material struct {
	CACert string
	Cert   string
	Key    string
}

// Resolve picks the material configured for the etcd endpoints.
func Resolve(cfg config.Config) Material {
	return Material{
		CACert: strings.TrimSpace(cfg.Etcd.CACert),
		Cert:   strings.TrimSpace(cfg.Etcd.Cert),
		Key:    strings.TrimSpace(cfg.Etcd.Key),
	}
}

// Check verifies every file is readable, the CA bundle holds at least one
// certificate and the key pair matches. Never logs key content.
func (m Material) Check() error {
	for _, f := range []struct{ kind, path string }{
		{"ca", m.CACert}, {"cert", m.Cert}, {"key", m.Key},
	} {
		if f.path == "" {
			return fmt.Errorf("%w: %s path is empty", ErrMissingMaterial, f.kind)
		}
		if !fileReadable(f.path) {
			return fmt.Errorf("%w: %s %q", ErrMissingMaterial, f.kind, f.path)
		}
	}

	caPEM, err := os.ReadFile(m.CACert)
	if err != nil {
		return fmt.Errorf("%w: read ca: %w", ErrMissingMaterial, err)
	}
	if !x509.NewCertPool().AppendCertsFromPEM(caPEM) {
		return fmt.Errorf("%w: ca %q holds no PEM certificate", ErrMissingMaterial, m.CACert)
	}
	if _, err := tls.LoadX509KeyPair(m.Cert, m.Key); err != nil {
		return fmt.Errorf("%w: key pair: %w", ErrMissingMaterial, err)
	}

	log.Debug().
		Str("action", "tls_check").
		Str("cacert", m.CACert).
		Str("cert", m.Cert).
		Msg("tls material OK")
	return nil
}

func fileReadable(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	_ = f.Close()
	return true
}
