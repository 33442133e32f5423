package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

type ArtifactType string

const (
	ArtifactPRD          ArtifactType = "PRD"
	ArtifactTechSpec     ArtifactType = "TechSpec"
	ArtifactCostAnalysis ArtifactType = "CostAnalysis"
	ArtifactCompliance   ArtifactType = "Compliance"
	ArtifactDemoCode     ArtifactType = "DemoCode"
)

var artifactTypes = [...]ArtifactType{ArtifactPRD, ArtifactTechSpec, ArtifactCostAnalysis, ArtifactCompliance, ArtifactDemoCode}

// ArtifactTypes lists the closed set of artifact types in display order.
func ArtifactTypes() []ArtifactType {
	return append([]ArtifactType(nil), artifactTypes[:]...)
}

func (t ArtifactType) index() int {
	for i, at := range artifactTypes {
		if at == t {
			return i
		}
	}
	return -1
}

// Valid reports whether t is one of the known artifact types.
func (t ArtifactType) Valid() bool { return t.index() >= 0 }

// ParseArtifactType accepts the exact type name.
func ParseArtifactType(s string) (ArtifactType, error) {
	t := ArtifactType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown artifact type %q", s)
	}
	return t, nil
}

type Artifact struct {
	ID        string       `json:"id"`
	Type      ArtifactType `json:"type" enum:"PRD,TechSpec,CostAnalysis,Compliance,DemoCode"`
	Content   string       `json:"content"`
	UpdatedAt time.Time    `json:"updated_at" format:"date-time"`
}

// ArtifactSet holds at most one artifact per type, indexed by type.
// It serializes as a JSON array ordered by type.
type ArtifactSet [len(artifactTypes)]*Artifact

// Get returns the artifact of type t if present.
func (s ArtifactSet) Get(t ArtifactType) (Artifact, bool) {
	i := t.index()
	if i < 0 || s[i] == nil {
		return Artifact{}, false
	}
	return *s[i], true
}

// Upsert inserts or refreshes the artifact of type t. A fresh id from newID is only
// allocated on first insert; later calls keep the id and replace content and timestamp.
func (s *ArtifactSet) Upsert(t ArtifactType, content string, at time.Time, newID func() string) (Artifact, error) {
	i := t.index()
	if i < 0 {
		return Artifact{}, fmt.Errorf("unknown artifact type %q", t)
	}
	if cur := s[i]; cur != nil {
		next := *cur
		next.Content = content
		next.UpdatedAt = at
		s[i] = &next
		return next, nil
	}
	a := Artifact{ID: newID(), Type: t, Content: content, UpdatedAt: at}
	s[i] = &a
	return a, nil
}

// Len counts the artifact types present.
func (s ArtifactSet) Len() int {
	n := 0
	for _, a := range s {
		if a != nil {
			n++
		}
	}
	return n
}

// List returns present artifacts in type order.
func (s ArtifactSet) List() []Artifact {
	out := make([]Artifact, 0, len(s))
	for _, a := range s {
		if a != nil {
			out = append(out, *a)
		}
	}
	return out
}

func (s ArtifactSet) Clone() ArtifactSet {
	var out ArtifactSet
	for i, a := range s {
		if a != nil {
			c := *a
			out[i] = &c
		}
	}
	return out
}

func (s ArtifactSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.List())
}

func (s *ArtifactSet) UnmarshalJSON(data []byte) error {
	var items []Artifact
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	var out ArtifactSet
	for _, a := range items {
		i := a.Type.index()
		if i < 0 {
			return fmt.Errorf("unknown artifact type %q", a.Type)
		}
		if out[i] != nil {
			return fmt.Errorf("duplicate artifact type %q", a.Type)
		}
		c := a
		out[i] = &c
	}
	*s = out
	return nil
}
