// Package credentials wraps the document cryptography layer. The engine only
// needs sign/verify/presentation semantics; signature schemes stay behind the
// injected SignFn.
package credentials

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"policy-engine/internal/storage"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

const credentialContext = "https://www.w3.org/2018/credentials/v1"

// Options carries optional credential metadata.
type Options struct {
	UUID  string
	Group string
}

// Issuer is the credential service contract consumed by blocks.
type Issuer interface {
	Sign(ctx context.Context, subject map[string]interface{}, issuerDID string, opts Options) (map[string]interface{}, error)
	VerifySubject(ctx context.Context, subject map[string]interface{}, schemaIRI string) error
	CreatePresentation(ctx context.Context, credentials []map[string]interface{}, issuerDID string) (map[string]interface{}, error)
	GenerateDID(ctx context.Context, topicID string) (string, error)
}

// SignFn produces a raw signature over canonicalized credential bytes.
type SignFn func(payload []byte) ([]byte, error)

// Service implements Issuer with schema verification backed by the schema
// registry and signatures produced by the injected SignFn.
type Service struct {
	schemas storage.SchemaRegistry
	sign    SignFn

	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
}

// NewService creates a credential service. A nil sign function produces
// unsigned proofs (dry-run).
func NewService(schemas storage.SchemaRegistry, sign SignFn) *Service {
	return &Service{
		schemas:  schemas,
		sign:     sign,
		compiled: make(map[string]*jsonschema.Schema),
	}
}

func (s *Service) compile(ctx context.Context, iri string) (*jsonschema.Schema, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if compiled, ok := s.compiled[iri]; ok {
		return compiled, nil
	}
	stored, err := s.schemas.GetSchemaByIRI(ctx, iri)
	if err != nil {
		return nil, errors.New("failed to load schema " + iri + ": " + err.Error())
	}
	raw, err := json.Marshal(stored.Document)
	if err != nil {
		return nil, errors.New("failed to marshal schema " + iri + ": " + err.Error())
	}
	compiler := jsonschema.NewCompiler()
	resource := "mem://schemas/" + uuid.NewString() + ".json"
	if err := compiler.AddResource(resource, bytes.NewReader(raw)); err != nil {
		return nil, errors.New("failed to register schema " + iri + ": " + err.Error())
	}
	compiled, err := compiler.Compile(resource)
	if err != nil {
		return nil, errors.New("failed to compile schema " + iri + ": " + err.Error())
	}
	s.compiled[iri] = compiled
	return compiled, nil
}

// VerifySubject validates a credential subject against a stored schema.
func (s *Service) VerifySubject(ctx context.Context, subject map[string]interface{}, schemaIRI string) error {
	compiled, err := s.compile(ctx, schemaIRI)
	if err != nil {
		return err
	}
	// round-trip so typed values (ints, structs) become plain JSON values
	raw, err := json.Marshal(subject)
	if err != nil {
		return errors.New("failed to marshal the subject: " + err.Error())
	}
	var plain interface{}
	if err := json.Unmarshal(raw, &plain); err != nil {
		return errors.New("failed to decode the subject: " + err.Error())
	}
	if err := compiled.Validate(plain); err != nil {
		return errors.New("subject does not match schema " + schemaIRI + ": " + err.Error())
	}
	return nil
}

// Sign issues a verifiable credential for the subject.
func (s *Service) Sign(_ context.Context, subject map[string]interface{}, issuerDID string, opts Options) (map[string]interface{}, error) {
	id := opts.UUID
	if id == "" {
		id = uuid.NewString()
	}
	vc := map[string]interface{}{
		"@context":          []interface{}{credentialContext},
		"id":                "urn:uuid:" + id,
		"type":              []interface{}{"VerifiableCredential"},
		"issuer":            issuerDID,
		"issuanceDate":      time.Now().UTC().Format(time.RFC3339),
		"credentialSubject": []interface{}{subject},
	}
	if opts.Group != "" {
		vc["group"] = opts.Group
	}
	proof, err := s.proof(vc, issuerDID)
	if err != nil {
		return nil, err
	}
	vc["proof"] = proof
	return vc, nil
}

// CreatePresentation combines credentials into one verifiable presentation.
func (s *Service) CreatePresentation(_ context.Context, credentials []map[string]interface{}, issuerDID string) (map[string]interface{}, error) {
	if len(credentials) == 0 {
		return nil, errors.New("no credentials to combine")
	}
	vcs := make([]interface{}, len(credentials))
	for i, vc := range credentials {
		vcs[i] = vc
	}
	vp := map[string]interface{}{
		"@context":             []interface{}{credentialContext},
		"id":                   "urn:uuid:" + uuid.NewString(),
		"type":                 []interface{}{"VerifiablePresentation"},
		"verifiableCredential": vcs,
	}
	proof, err := s.proof(vp, issuerDID)
	if err != nil {
		return nil, err
	}
	vp["proof"] = proof
	return vp, nil
}

// GenerateDID mints a new DID anchored to the given topic.
func (s *Service) GenerateDID(_ context.Context, topicID string) (string, error) {
	return "did:hedera:" + topicID + ":" + uuid.NewString(), nil
}

func (s *Service) proof(doc map[string]interface{}, issuerDID string) (map[string]interface{}, error) {
	proof := map[string]interface{}{
		"type":               "Ed25519Signature2018",
		"created":            time.Now().UTC().Format(time.RFC3339),
		"proofPurpose":       "assertionMethod",
		"verificationMethod": issuerDID + "#did-root-key",
	}
	if s.sign == nil {
		return proof, nil
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, errors.New("failed to marshal the document for signing: " + err.Error())
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, errors.New("failed to canonicalize the document for signing: " + err.Error())
	}
	signature, err := s.sign(canonical)
	if err != nil {
		return nil, errors.New("failed to sign the document: " + err.Error())
	}
	proof["jws"] = base64.RawURLEncoding.EncodeToString(signature)
	return proof, nil
}
