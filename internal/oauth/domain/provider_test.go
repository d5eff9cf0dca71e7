package domain

import (
	"testing"
	"time"
)

func TestProfileMapping_WithDefaults(t *testing.T) {
	m := ProfileMapping{ID: "id", AvatarURL: "avatar_url"}.WithDefaults()
	if m.ID != "id" || m.Email != "email" || m.Name != "name" || m.AvatarURL != "avatar_url" {
		t.Errorf("mapping = %+v", m)
	}
}

func TestToken_Expired(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	if (&Token{}).Expired(now) {
		t.Error("token without expiry reported expired")
	}
	if !(&Token{ExpiresAt: &past}).Expired(now) {
		t.Error("past token not expired")
	}
}

func TestProfile_CloneIsDeep(t *testing.T) {
	p := &Profile{Raw: map[string]any{"login": "ada"}}
	c := p.Clone()
	c.Raw["login"] = "grace"
	if p.Raw["login"] != "ada" {
		t.Error("clone shares Raw")
	}
}
