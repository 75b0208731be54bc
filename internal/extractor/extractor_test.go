package extractor

import (
	"context"
	"errors"
	"testing"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kestrelsec/kestrel/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// stubClient replays a canned JSON document or fails every call.
type stubClient struct {
	response string
	err      error
}

func (s *stubClient) Complete(ctx context.Context, req schemas.CompletionRequest) (string, error) {
	return s.response, s.err
}

func (s *stubClient) CompleteJSON(ctx context.Context, req schemas.CompletionRequest, out any) error {
	if s.err != nil {
		return s.err
	}
	return json.Unmarshal([]byte(s.response), out)
}

func TestExtractStructured(t *testing.T) {
	client := &stubClient{response: `[
		{"type": "DOMAIN", "value": "example.test", "confidence": 0.95},
		{"type": "ORGANIZATION", "value": "Acme Corp", "confidence": 0.8, "context": "registrant"},
		{"type": "BOGUS_TYPE", "value": "ignored", "confidence": 0.9},
		{"type": "PERSON", "value": "  ", "confidence": 0.7},
		{"type": "EMAIL", "value": "admin@example.test", "confidence": 1.5}
	]`}
	ex := New(client, zap.NewNop())

	entities, err := ex.Extract(context.Background(), "whois output for example.test")
	require.NoError(t, err)
	require.Len(t, entities, 2, "invalid entries are dropped individually")

	assert.Equal(t, schemas.EntityDomain, entities[0].Type)
	assert.Equal(t, "example.test", entities[0].Value)
	assert.Equal(t, schemas.EntityOrganization, entities[1].Type)
	assert.Equal(t, "Acme Corp", entities[1].Value)
}

func TestExtractFallbackOnLLMFailure(t *testing.T) {
	client := &stubClient{err: errors.New("model overloaded")}
	ex := New(client, zap.NewNop())

	text := "The domain evil-domain.test resolved to 10.0.0.5 during the scan window."
	entities, err := ex.Extract(context.Background(), text)
	require.Error(t, err)
	assert.ErrorIs(t, err, schemas.ErrExtractionDegraded)

	byType := groupByType(entities)
	require.Contains(t, byType, schemas.EntityDomain)
	require.Contains(t, byType, schemas.EntityIPAddress)
	assert.Equal(t, []string{"evil-domain.test"}, byType[schemas.EntityDomain])
	assert.Equal(t, []string{"10.0.0.5"}, byType[schemas.EntityIPAddress])

	for _, ent := range entities {
		assert.Contains(t, ent.Context, ent.Value, "context should surround the match")
	}
}

func TestExtractFallbackWithoutClient(t *testing.T) {
	ex := New(nil, zap.NewNop())

	text := "Contact admin@corp.test; host www.corp.test at 203.0.113.7. " +
		"Dropper hash d41d8cd98f00b204e9800998ecf8427e was reported by Acme Corporation."
	entities, err := ex.Extract(context.Background(), text)
	require.Error(t, err)
	assert.ErrorIs(t, err, schemas.ErrExtractionDegraded)

	byType := groupByType(entities)
	assert.Equal(t, []string{"admin@corp.test"}, byType[schemas.EntityEmail])
	assert.Equal(t, []string{"www.corp.test"}, byType[schemas.EntityDomain])
	assert.Equal(t, []string{"203.0.113.7"}, byType[schemas.EntityIPAddress])
	assert.Equal(t, []string{"d41d8cd98f00b204e9800998ecf8427e"}, byType[schemas.EntityIndicator])

	assert.NotContains(t, byType, schemas.EntityOrganization, "semantic types need the structured path")
	assert.NotContains(t, byType, schemas.EntityPerson)
}

func TestExtractFallbackRejectsNoise(t *testing.T) {
	ex := New(nil, zap.NewNop())

	text := "Saved output to results.txt and report.html; invalid address 999.1.1.1 skipped."
	entities, err := ex.Extract(context.Background(), text)
	require.Error(t, err)
	assert.ErrorIs(t, err, schemas.ErrExtractionDegraded)
	assert.Empty(t, entities, "filenames and malformed addresses are not entities")
}

func TestExtractDedupe(t *testing.T) {
	ex := New(nil, zap.NewNop())

	text := "Seen Example.TEST and example.test and EXAMPLE.test in three records."
	entities, err := ex.Extract(context.Background(), text)
	require.Error(t, err)
	assert.ErrorIs(t, err, schemas.ErrExtractionDegraded)
	require.Len(t, entities, 1, "dedupe is case-insensitive per (type, value)")
	assert.Equal(t, "example.test", entities[0].Value)
}

func TestExtractEmptyInput(t *testing.T) {
	ex := New(&stubClient{response: "[]"}, zap.NewNop())

	entities, err := ex.Extract(context.Background(), "   ")
	require.NoError(t, err)
	assert.Empty(t, entities)
}

func groupByType(entities []schemas.ExtractedEntity) map[schemas.EntityType][]string {
	grouped := make(map[schemas.EntityType][]string)
	for _, e := range entities {
		grouped[e.Type] = append(grouped[e.Type], e.Value)
	}
	return grouped
}
