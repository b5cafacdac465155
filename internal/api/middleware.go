package api

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"

	"inference-oracle/internal/domain"
	"inference-oracle/internal/sig"
)

// loggingMiddleware mirrors walletserver/middleware/logger.go's
// method/URI/duration log line, swapped to a logrus.Entry so request logs
// carry the server's structured fields.
func loggingMiddleware(log *logrus.Entry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			if log != nil {
				log.WithFields(logrus.Fields{
					"method":   r.Method,
					"uri":      r.RequestURI,
					"duration": time.Since(start),
				}).Info("api: request")
			}
		})
	}
}

// verifyAndDecode implements spec §6's signature canonicalization for
// signed endpoints (node registration, pipeline lifecycle): the message is
// the request JSON with "signature" removed and "address" lowercased, with
// object keys in the canonical order sig.CanonicalJSON produces. On success
// it decodes the remaining fields into out via mapstructure, sparing every
// handler a second JSON decode pass.
func verifyAndDecode(r *http.Request, out any) (domain.Address, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return domain.Address{}, fmt.Errorf("%w: read body: %v", errBadRequest, err)
	}

	var generic map[string]any
	if err := json.Unmarshal(body, &generic); err != nil {
		return domain.Address{}, fmt.Errorf("%w: decode body: %v", errBadRequest, err)
	}

	addrStr, _ := generic["address"].(string)
	addr, err := domain.ParseAddress(addrStr)
	if err != nil {
		return domain.Address{}, fmt.Errorf("%w: bad address", sig.ErrBadSignature)
	}
	sigHex, _ := generic["signature"].(string)
	sigBytes, err := decodeHexSignature(sigHex)
	if err != nil {
		return domain.Address{}, fmt.Errorf("%w: %v", sig.ErrBadSignature, err)
	}

	delete(generic, "signature")
	generic["address"] = strings.ToLower(addrStr)

	canonical, err := sig.CanonicalJSON(generic)
	if err != nil {
		return domain.Address{}, err
	}
	if err := sig.VerifyPersonalSignature(addr, canonical, sigBytes); err != nil {
		return domain.Address{}, err
	}

	// Restore the raw signature so callers that persist it (e.g. node
	// registration's RegistrationSignature column) can capture it via a
	// "signature" mapstructure field without a second body read.
	generic["signature"] = sigHex

	if out != nil {
		if err := mapstructure.Decode(generic, out); err != nil {
			return domain.Address{}, fmt.Errorf("%w: payload shape: %v", errBadRequest, err)
		}
	}
	return addr, nil
}

func decodeHexSignature(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("signature is not valid hex: %w", err)
	}
	return b, nil
}
