package pii

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	detectors "github.com/hannes/kiji-rag/src/backend/pii/detectors"
	piiGenerators "github.com/hannes/kiji-rag/src/backend/pii/generators"
)

// GeneratorService derives pseudonyms from a process-wide secret. The same
// (entity type, value) always yields the same pseudonym under the same key.
type GeneratorService struct {
	secret    []byte
	templates map[string]piiGenerators.Template
	store     MappingStore
}

// NewGeneratorService creates a generator keyed by secret. store may be nil;
// when set, pseudonyms already recorded for a session win over freshly derived
// ones so that mappings created under a previous key keep resolving.
func NewGeneratorService(secret string, store MappingStore) *GeneratorService {
	return &GeneratorService{
		secret:    []byte(secret),
		templates: defaultTemplates(),
		store:     store,
	}
}

func defaultTemplates() map[string]piiGenerators.Template {
	return map[string]piiGenerators.Template{
		detectors.EntityName:         piiGenerators.NameGenerator,
		detectors.EntityPerson:       piiGenerators.NameGenerator,
		detectors.EntityEmail:        piiGenerators.EmailGenerator,
		detectors.EntityPhone:        piiGenerators.PhoneGenerator,
		detectors.EntityDateTime:     piiGenerators.DateGenerator,
		detectors.EntityCreditCard:   piiGenerators.CreditCardGenerator,
		detectors.EntityAddress:      piiGenerators.AddressGenerator,
		detectors.EntityLocation:     piiGenerators.AddressGenerator,
		detectors.EntitySSN:          piiGenerators.SSNGenerator,
		detectors.EntityIBAN:         piiGenerators.IbanGenerator,
		detectors.EntityIPAddress:    piiGenerators.IPAddressGenerator,
		detectors.EntityAccount:      piiGenerators.AccountGenerator,
		detectors.EntityIDCard:       piiGenerators.IDCardGenerator,
		detectors.EntityOrganization: piiGenerators.OrganizationGenerator,
		detectors.EntityUsername:     piiGenerators.UsernameGenerator,
	}
}

// Generate returns the deterministic pseudonym for value. Unknown entity
// types use the generic template.
func (s *GeneratorService) Generate(entityType, value string) string {
	return s.template(entityType)(s.hash(value))
}

func (s *GeneratorService) template(entityType string) piiGenerators.Template {
	if template, ok := s.templates[strings.ToUpper(entityType)]; ok {
		return template
	}
	return piiGenerators.GenericGenerator
}

// hash returns the uppercase hex prefix of HMAC-SHA256(secret, value)
func (s *GeneratorService) hash(value string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(value))
	sum := hex.EncodeToString(mac.Sum(nil))
	return strings.ToUpper(sum[:piiGenerators.HashWidth])
}

// attemptHash is hash(value) for the first attempt and hash(value, NUL, n)
// for retry n.
func (s *GeneratorService) attemptHash(value string, n int) string {
	if n == 0 {
		return s.hash(value)
	}
	return s.hash(value + "\x00" + strconv.Itoa(n))
}

// Pseudonymize prefers a pseudonym already stored for this session and value.
// Otherwise it derives one, skipping candidates that taken (pseudonym ->
// original) already assigns to a different original. Store errors degrade
// to derivation.
func (s *GeneratorService) Pseudonymize(ctx context.Context, sessionID, entityType, value string, taken map[string]string) string {
	if s.store != nil && sessionID != "" {
		if pseudonym, found, err := s.store.FindPseudonym(ctx, sessionID, entityType, value); err == nil && found {
			return pseudonym
		}
	}
	template := s.template(entityType)
	for n := 0; ; n++ {
		candidate := template(s.attemptHash(value, n))
		if owner, ok := taken[candidate]; !ok || owner == value {
			return candidate
		}
	}
}
