package xrpcapi

import (
	"bytes"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gowebpki/jcs"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/nikwyss/poltrMVP/pkg/secretbox"
)

//go:embed lexicons/verification.json
var verificationLexicon []byte

//go:embed lexicons/lexicon-meta-schema.json
var lexiconMetaSchema string

// wellKnown serves the service DID document and the published lexicons.
// Both are built once at startup: the DID document's ETag comes from the
// RFC 8785 canonicalization of its bytes so it is stable across restarts,
// and the lexicon is validated against the lexicon meta-schema so a
// malformed document is a startup error, not a served one.
type wellKnown struct {
	didDocument []byte
	didETag     string
}

func newWellKnown(serviceDID, frontendURL string, signer *secretbox.AttestationSigner) (*wellKnown, error) {
	if err := validateLexicon(verificationLexicon); err != nil {
		return nil, err
	}

	doc := map[string]any{
		"@context": []string{
			"https://www.w3.org/ns/did/v1",
			"https://w3id.org/security/multikey/v1",
		},
		"id": serviceDID,
		"verificationMethod": []map[string]any{{
			"id":                 serviceDID + "#attestation",
			"type":               "Multikey",
			"controller":         serviceDID,
			"publicKeyMultibase": signer.PublicKeyMultibase(),
		}},
		"service": []map[string]any{{
			"id":              "#bsky_fg",
			"type":            "BskyFeedGenerator",
			"serviceEndpoint": strings.TrimRight(frontendURL, "/"),
		}},
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("xrpcapi: marshal did document: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("xrpcapi: canonicalize did document: %w", err)
	}
	sum := sha256.Sum256(canonical)

	return &wellKnown{
		didDocument: canonical,
		didETag:     `"` + hex.EncodeToString(sum[:16]) + `"`,
	}, nil
}

// validateLexicon checks a lexicon document against the embedded
// meta-schema.
func validateLexicon(doc []byte) error {
	schema, err := jsonschema.CompileString("lexicon-meta-schema.json", lexiconMetaSchema)
	if err != nil {
		return fmt.Errorf("xrpcapi: compile lexicon meta-schema: %w", err)
	}
	var v any
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("xrpcapi: parse lexicon: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("xrpcapi: lexicon does not match meta-schema: %w", err)
	}
	return nil
}

func (wk *wellKnown) serveDIDDocument(w http.ResponseWriter, r *http.Request) {
	if match := r.Header.Get("If-None-Match"); match != "" && match == wk.didETag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/did+json")
	w.Header().Set("ETag", wk.didETag)
	_, _ = w.Write(wk.didDocument)
}

func (wk *wellKnown) serveLexicon(w http.ResponseWriter, r *http.Request) {
	if !strings.HasSuffix(r.URL.Path, "/verification.json") {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(verificationLexicon)
}
