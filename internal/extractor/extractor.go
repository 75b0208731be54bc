package extractor

import (
	"context"
	"fmt"
	"net/netip"
	"regexp"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"

	"github.com/kestrelsec/kestrel/api/schemas"
)

// Extractor pulls typed entities out of unstructured tool output. The primary
// path asks the completion service for a structured extraction; when that is
// unavailable a pattern fallback recovers syntactic entity classes only.
type Extractor struct {
	llm    schemas.CompletionClient
	logger *zap.Logger
}

// New creates an extractor. llm may be nil, in which case only the pattern
// fallback runs.
func New(llm schemas.CompletionClient, logger *zap.Logger) *Extractor {
	return &Extractor{llm: llm, logger: logger.Named("extractor")}
}

const extractionSystemPrompt = `You are an entity extraction engine for OSINT investigations.
Extract every concrete entity from the supplied text. Respond with a JSON array of objects:
[{"type": "...", "value": "...", "confidence": 0.0, "context": "..."}]
Valid types: DOMAIN, IP_ADDRESS, ORGANIZATION, THREAT_ACTOR, INDICATOR, PERSON, EMAIL, URL, PHONE, LOCATION, USERNAME.
Use the exact value as it appears. Confidence is your certainty the value is a real entity of that type, between 0 and 1.
Respond with the JSON array only.`

var validEntityTypes = map[schemas.EntityType]bool{
	schemas.EntityDomain:       true,
	schemas.EntityIPAddress:    true,
	schemas.EntityOrganization: true,
	schemas.EntityThreatActor:  true,
	schemas.EntityIndicator:    true,
	schemas.EntityPerson:       true,
	schemas.EntityEmail:        true,
	schemas.EntityURL:          true,
	schemas.EntityPhone:        true,
	schemas.EntityLocation:     true,
	schemas.EntityUsername:     true,
}

// Extract returns the deduplicated entities found in text. When the structured
// path fails the pattern fallback runs instead and the returned error wraps
// ErrExtractionDegraded; the entities alongside it are still valid.
func (e *Extractor) Extract(ctx context.Context, text string) ([]schemas.ExtractedEntity, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	if e.llm != nil {
		entities, err := e.extractStructured(ctx, text)
		if err == nil {
			return entities, nil
		}
		e.logger.Warn("Structured extraction failed, falling back to patterns", zap.Error(err))
	}

	entities := e.extractPatterns(text)
	return entities, fmt.Errorf("%w: pattern fallback used", schemas.ErrExtractionDegraded)
}

func (e *Extractor) extractStructured(ctx context.Context, text string) ([]schemas.ExtractedEntity, error) {
	var raw []schemas.ExtractedEntity
	err := e.llm.CompleteJSON(ctx, schemas.CompletionRequest{
		SystemPrompt: extractionSystemPrompt,
		Prompt:       text,
		Tier:         schemas.TierFast,
		Temperature:  0.1,
	}, &raw)
	if err != nil {
		return nil, err
	}

	// Invalid entries are dropped individually; one bad row must not poison
	// the batch.
	valid := make([]schemas.ExtractedEntity, 0, len(raw))
	for _, ent := range raw {
		if !validEntityTypes[ent.Type] {
			e.logger.Debug("Discarding entity with unknown type", zap.String("type", string(ent.Type)), zap.String("value", ent.Value))
			continue
		}
		if strings.TrimSpace(ent.Value) == "" {
			continue
		}
		if ent.Confidence < 0 || ent.Confidence > 1 {
			continue
		}
		ent.Value = strings.TrimSpace(ent.Value)
		valid = append(valid, ent)
	}
	return dedupe(valid), nil
}

var (
	domainPattern = regexp.MustCompile(`\b(?:[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)+[a-zA-Z]{2,}\b`)
	ipv4Pattern   = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	emailPattern  = regexp.MustCompile(`\b[a-zA-Z0-9._%+-]+@(?:[a-zA-Z0-9-]+\.)+[a-zA-Z]{2,}\b`)
	hashPattern   = regexp.MustCompile(`\b[a-fA-F0-9]{32}\b|\b[a-fA-F0-9]{40}\b|\b[a-fA-F0-9]{64}\b`)
)

// fileExtensions covers strings the domain regex matches but that are almost
// always filenames in tool output.
var fileExtensions = map[string]bool{
	"txt": true, "html": true, "htm": true, "php": true, "asp": true,
	"js": true, "css": true, "json": true, "xml": true, "pdf": true,
	"exe": true, "dll": true, "zip": true, "png": true, "jpg": true,
	"gif": true, "csv": true, "log": true, "md": true, "yml": true,
	"yaml": true, "toml": true, "ini": true,
}

// extractPatterns recovers syntactic entity classes only. Semantic classes
// such as organizations and persons need the structured path and are absent
// here.
func (e *Extractor) extractPatterns(text string) []schemas.ExtractedEntity {
	var entities []schemas.ExtractedEntity

	emailSpans := emailPattern.FindAllStringIndex(text, -1)
	emailSet := make(map[string]bool, len(emailSpans))
	for _, span := range emailSpans {
		value := strings.ToLower(text[span[0]:span[1]])
		emailSet[value] = true
		entities = append(entities, schemas.ExtractedEntity{
			Type: schemas.EntityEmail, Value: value, Confidence: 0.9,
			Context: snippet(text, span[0], span[1]),
		})
	}

	for _, span := range domainPattern.FindAllStringIndex(text, -1) {
		candidate := strings.ToLower(text[span[0]:span[1]])
		// Skip domains that were already captured as part of an email.
		partOfEmail := false
		for addr := range emailSet {
			if strings.HasSuffix(addr, "@"+candidate) {
				partOfEmail = true
				break
			}
		}
		if partOfEmail || !plausibleDomain(candidate) {
			continue
		}
		entities = append(entities, schemas.ExtractedEntity{
			Type: schemas.EntityDomain, Value: candidate, Confidence: 0.8,
			Context: snippet(text, span[0], span[1]),
		})
	}

	for _, span := range ipv4Pattern.FindAllStringIndex(text, -1) {
		addr, err := netip.ParseAddr(text[span[0]:span[1]])
		if err != nil || !addr.Is4() || addr.IsUnspecified() {
			continue
		}
		entities = append(entities, schemas.ExtractedEntity{
			Type: schemas.EntityIPAddress, Value: addr.String(), Confidence: 0.9,
			Context: snippet(text, span[0], span[1]),
		})
	}

	for _, span := range hashPattern.FindAllStringIndex(text, -1) {
		m := text[span[0]:span[1]]
		algo := map[int]string{32: "md5", 40: "sha1", 64: "sha256"}[len(m)]
		entities = append(entities, schemas.ExtractedEntity{
			Type: schemas.EntityIndicator, Value: strings.ToLower(m), Confidence: 0.85,
			Context:    snippet(text, span[0], span[1]),
			Properties: schemas.Properties{"hash_algorithm": algo},
		})
	}

	return dedupe(entities)
}

const contextRadius = 50

// snippet returns the surrounding source text for a match span.
func snippet(text string, start, end int) string {
	lo := start - contextRadius
	if lo < 0 {
		lo = 0
	}
	hi := end + contextRadius
	if hi > len(text) {
		hi = len(text)
	}
	return strings.TrimSpace(text[lo:hi])
}

// plausibleDomain rejects regex matches that are structurally not registrable
// names, typically filenames and bare public suffixes.
func plausibleDomain(candidate string) bool {
	labels := strings.Split(candidate, ".")
	if len(labels) < 2 {
		return false
	}
	tld := labels[len(labels)-1]
	if fileExtensions[tld] {
		return false
	}
	// A bare suffix like "co.uk" is not an entity.
	if suffix, _ := publicsuffix.PublicSuffix(candidate); suffix == candidate {
		return false
	}
	if _, err := publicsuffix.EffectiveTLDPlusOne(candidate); err != nil {
		return false
	}
	return true
}

// dedupe collapses duplicates by (type, case-insensitive value), keeping the
// highest-confidence instance.
func dedupe(entities []schemas.ExtractedEntity) []schemas.ExtractedEntity {
	type identity struct {
		typ   schemas.EntityType
		value string
	}
	best := make(map[identity]int)
	var out []schemas.ExtractedEntity
	for _, ent := range entities {
		id := identity{ent.Type, strings.ToLower(ent.Value)}
		if idx, seen := best[id]; seen {
			if ent.Confidence > out[idx].Confidence {
				out[idx] = ent
			}
			continue
		}
		best[id] = len(out)
		out = append(out, ent)
	}
	return out
}
