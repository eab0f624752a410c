package email

import (
	"strings"
	"testing"
)

func TestServiceIsConfigured(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		expected bool
	}{
		{
			name:     "empty config",
			config:   Config{},
			expected: false,
		},
		{
			name: "missing host",
			config: Config{
				Port: "587",
				From: "test@example.com",
			},
			expected: false,
		},
		{
			name: "missing port",
			config: Config{
				Host: "smtp.example.com",
				From: "test@example.com",
			},
			expected: false,
		},
		{
			name: "missing from",
			config: Config{
				Host: "smtp.example.com",
				Port: "587",
			},
			expected: false,
		},
		{
			name: "fully configured",
			config: Config{
				Host: "smtp.example.com",
				Port: "587",
				From: "test@example.com",
			},
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(tt.config)
			if svc.IsConfigured() != tt.expected {
				t.Errorf("IsConfigured() = %v, want %v", svc.IsConfigured(), tt.expected)
			}
		})
	}
}

func TestRenderSpaceInviteTemplate(t *testing.T) {
	data := SpaceInviteData{
		AppName:     "Aimable",
		InviterName: "Ada Lovelace",
		SpaceName:   "Research",
		Role:        "curator",
		InviteURL:   "https://example.com/invites/accept?token=abc123",
		ExpiresIn:   "7 days",
	}

	html, err := renderTemplate(spaceInviteEmailTemplate, data)
	if err != nil {
		t.Fatalf("renderTemplate failed: %v", err)
	}

	if !strings.Contains(html, "Aimable") {
		t.Error("template should contain app name")
	}
	if !strings.Contains(html, "Ada Lovelace") {
		t.Error("template should contain inviter name")
	}
	if !strings.Contains(html, "Research") {
		t.Error("template should contain workspace name")
	}
	if !strings.Contains(html, "https://example.com/invites/accept?token=abc123") {
		t.Error("template should contain invite URL")
	}
	if !strings.Contains(html, "7 days") {
		t.Error("template should mention expiration time")
	}
}

func TestUnconfiguredServiceRejectsSend(t *testing.T) {
	svc := NewService(Config{})
	if err := svc.SendSpaceInviteEmail("to@example.com", "Ada", "Research", "user", "https://example.com"); err == nil {
		t.Fatal("expected send to fail without SMTP configuration")
	}
}
