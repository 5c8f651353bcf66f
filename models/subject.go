package models

import (
	"fmt"
	"strings"
)

// SubjectKind decides which catalog table receives the active image.
type SubjectKind string

const (
	SubjectProduct   SubjectKind = "product"
	SubjectPlantType SubjectKind = "plant_type"
	SubjectPlantPart SubjectKind = "plant_part"
)

var SubjectKinds = []SubjectKind{SubjectProduct, SubjectPlantType, SubjectPlantPart}

// Table is the catalog table holding subjects of this kind.
func (k SubjectKind) Table() string {
	switch k {
	case SubjectProduct:
		return "products"
	case SubjectPlantType:
		return "hemp_plant_types"
	case SubjectPlantPart:
		return "plant_parts"
	}
	return ""
}

func (k SubjectKind) Valid() bool { return k.Table() != "" }

func ParseSubjectKind(v string) (SubjectKind, error) {
	k := SubjectKind(strings.ToLower(strings.TrimSpace(v)))
	if !k.Valid() {
		return "", fmt.Errorf("unknown subject kind %q", v)
	}
	return k, nil
}

// SubjectKey identifies a subject across catalog tables.
type SubjectKey struct {
	Kind SubjectKind `json:"subject_kind"`
	ID   string      `json:"subject_id"`
}

func (k SubjectKey) String() string { return string(k.Kind) + ":" + k.ID }

func (k SubjectKey) Valid() bool { return k.Kind.Valid() && k.ID != "" }

// Subject is the external catalog row. ImageURL mirrors the active
// GenerationRecord's location and may lag it briefly; generation records
// are authoritative.
type Subject struct {
	ID          string      `json:"id" gorm:"primaryKey;type:varchar(64)"`
	Kind        SubjectKind `json:"kind" gorm:"-"`
	Name        string      `json:"name" gorm:"type:varchar(255);not null"`
	Category    *string     `json:"category,omitempty" gorm:"type:varchar(128)"`
	Description *string     `json:"description,omitempty" gorm:"type:text"`
	ImageURL    *string     `json:"image_url,omitempty" gorm:"type:text"`
}

func (s *Subject) Key() SubjectKey { return SubjectKey{Kind: s.Kind, ID: s.ID} }

// CategoryOrEmpty returns the category or "".
func (s *Subject) CategoryOrEmpty() string {
	if s.Category == nil {
		return ""
	}
	return *s.Category
}

func (s *Subject) HasImage() bool { return s.ImageURL != nil && *s.ImageURL != "" }
