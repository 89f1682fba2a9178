package config

import (
	"strings"
	"testing"
)

func TestParseAccountsFillsDefaults(t *testing.T) {
	t.Parallel()

	raw := []byte(`[
		{"name": "main", "priority": 1,
		 "sessions": {"create_chat": "main_create.session", "send_text": "main_text.session"}},
		{"name": "backup1", "api_id": 77, "api_hash": "own", "priority": 2,
		 "sessions": {"send_text": "b1_text.session"}}
	]`)

	accounts, err := ParseAccounts(raw, 42, "shared")
	if err != nil {
		t.Fatalf("ParseAccounts() = %v", err)
	}
	if len(accounts) != 2 {
		t.Fatalf("accounts = %d, want 2", len(accounts))
	}

	// Пустые api_id/api_hash заполняются общими значениями, свои не трогаются.
	if accounts[0].APIID != 42 || accounts[0].APIHash != "shared" {
		t.Fatalf("main credentials = (%d, %q), want shared defaults", accounts[0].APIID, accounts[0].APIHash)
	}
	if accounts[1].APIID != 77 || accounts[1].APIHash != "own" {
		t.Fatalf("backup1 credentials = (%d, %q), want own values kept", accounts[1].APIID, accounts[1].APIHash)
	}
}

func TestParseAccountsValidation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		raw     string
		wantErr string
	}{
		{
			name:    "emptyList",
			raw:     `[]`,
			wantErr: "no accounts defined",
		},
		{
			name:    "missingName",
			raw:     `[{"priority": 1, "sessions": {"send_text": "a.session"}}]`,
			wantErr: "name is required",
		},
		{
			name: "duplicateName",
			raw: `[
				{"name": "main", "priority": 1, "sessions": {"send_text": "a.session"}},
				{"name": "main", "priority": 2, "sessions": {"send_text": "b.session"}}
			]`,
			wantErr: "duplicate name",
		},
		{
			name:    "zeroPriority",
			raw:     `[{"name": "main", "priority": 0, "sessions": {"send_text": "a.session"}}]`,
			wantErr: "priority must be >= 1",
		},
		{
			name:    "noSessions",
			raw:     `[{"name": "main", "priority": 1}]`,
			wantErr: "sessions map is required",
		},
		{
			name:    "unknownService",
			raw:     `[{"name": "main", "priority": 1, "sessions": {"mine_bitcoin": "a.session"}}]`,
			wantErr: `unknown service "mine_bitcoin"`,
		},
		{
			name:    "emptySessionFile",
			raw:     `[{"name": "main", "priority": 1, "sessions": {"send_text": "  "}}]`,
			wantErr: "empty session",
		},
		{
			// Один файл сессии на два моста недопустим: MTProto-библиотека
			// держит эксклюзивную блокировку.
			name: "sharedSessionFile",
			raw: `[
				{"name": "main", "priority": 1, "sessions": {"send_text": "same.session"}},
				{"name": "backup1", "priority": 2, "sessions": {"send_media": "same.session"}}
			]`,
			wantErr: `session file "same.session" shared`,
		},
		{
			name: "sharedSessionFileWithinAccount",
			raw: `[{"name": "main", "priority": 1,
				"sessions": {"send_text": "one.session", "send_media": "one.session"}}]`,
			wantErr: "shared",
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := ParseAccounts([]byte(tc.raw), 1, "hash")
			if err == nil {
				t.Fatalf("ParseAccounts() error = nil, want %q", tc.wantErr)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("ParseAccounts() error = %q, want substring %q", err, tc.wantErr)
			}
		})
	}
}

func TestSanitizeLogLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name         string
		level        string
		want         string
		wantWarnings int
	}{
		{name: "empty", level: "", want: "info"},
		{name: "valid", level: "debug", want: "debug"},
		{name: "upperCase", level: "WARN", want: "warn"},
		{name: "padded", level: "  error  ", want: "error"},
		{name: "garbage", level: "loudest", want: "info", wantWarnings: 1},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var warnings []string
			if got := sanitizeLogLevel(tc.level, "info", &warnings); got != tc.want {
				t.Fatalf("sanitizeLogLevel(%q) = %q, want %q", tc.level, got, tc.want)
			}
			if len(warnings) != tc.wantWarnings {
				t.Fatalf("warnings = %v, want %d entries", warnings, tc.wantWarnings)
			}
		})
	}
}

func TestServiceNamesIsACopy(t *testing.T) {
	t.Parallel()

	names := ServiceNames()
	if len(names) != 4 {
		t.Fatalf("ServiceNames() = %v, want 4 roles", names)
	}
	names[0] = "tampered"
	if got := ServiceNames()[0]; got == "tampered" {
		t.Fatal("ServiceNames() must return a copy, not the backing slice")
	}
}
