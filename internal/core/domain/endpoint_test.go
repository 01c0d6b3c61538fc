package domain

import (
	"testing"
)

func strPtr(s string) *string { return &s }

func TestEndpointConfig_Validate(t *testing.T) {
	valid := func() EndpointConfig {
		return EndpointConfig{
			Path:           "orders",
			DestinationURL: "https://example.test/hook",
			TransformQuery: "SELECT a + b AS sum FROM {{payload}}",
			Owner:          "ops",
		}
	}

	tests := []struct {
		name    string
		mutate  func(*EndpointConfig)
		wantErr bool
	}{
		{name: "valid", mutate: func(*EndpointConfig) {}},
		{name: "missing placeholder", mutate: func(c *EndpointConfig) { c.TransformQuery = "SELECT 1" }, wantErr: true},
		{name: "relative destination", mutate: func(c *EndpointConfig) { c.DestinationURL = "/hook" }, wantErr: true},
		{name: "ftp destination", mutate: func(c *EndpointConfig) { c.DestinationURL = "ftp://example.test" }, wantErr: true},
		{name: "empty path", mutate: func(c *EndpointConfig) { c.Path = "" }, wantErr: true},
		{name: "path with query", mutate: func(c *EndpointConfig) { c.Path = "/a?b=1" }, wantErr: true},
		{name: "reserved path", mutate: func(c *EndpointConfig) { c.Path = "register" }, wantErr: true},
		{name: "inactive marker", mutate: func(c *EndpointConfig) { c.Path = "/inactive_x/a" }, wantErr: true},
		{name: "missing owner", mutate: func(c *EndpointConfig) { c.Owner = " " }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			cfg.Normalize()
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !IsType(err, ErrorTypeInvalidRequest) {
				t.Errorf("Validate() error type = %v, want invalid_request", err)
			}
		})
	}
}

func TestEndpointConfig_Normalize(t *testing.T) {
	cfg := EndpointConfig{Path: " orders ", FilterQuery: strPtr("  ")}
	cfg.Normalize()
	if cfg.Path != "/orders" {
		t.Errorf("Path = %q, want /orders", cfg.Path)
	}
	if cfg.FilterQuery != nil {
		t.Errorf("blank FilterQuery should be cleared, got %q", *cfg.FilterQuery)
	}
}

func TestEndpoint_InactivePath(t *testing.T) {
	e := &Endpoint{ID: "abc", Path: "/orders"}
	if !e.Active() {
		t.Fatal("new endpoint should be active")
	}

	e.Path = e.InactivePath()
	if e.Path != "/inactive_abc/orders" {
		t.Fatalf("InactivePath() = %q", e.Path)
	}
	if e.Active() {
		t.Error("parked endpoint should be inactive")
	}
	if got := e.OriginalPath(); got != "/orders" {
		t.Errorf("OriginalPath() = %q, want /orders", got)
	}
}

func TestSanitize(t *testing.T) {
	tests := map[string]string{
		"abc":                                  "abc",
		"1f0e-22":                              "1f0e_22",
		"my table.v2":                          "my_table_v2",
		"héllo":                                "h_llo",
		"6ba7b810-9dad-11d1-80b4-00c04fd430c8": "6ba7b810_9dad_11d1_80b4_00c04fd430c8",
	}
	for in, want := range tests {
		if got := Sanitize(in); got != want {
			t.Errorf("Sanitize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNamingHelpers(t *testing.T) {
	if got := ReferenceStorageName("a-b", "zip codes"); got != "ref_a_b_zip_codes" {
		t.Errorf("ReferenceStorageName = %q", got)
	}
	if got := ExtensionEngineName("a-b", "double"); got != "udf_a_b_double" {
		t.Errorf("ExtensionEngineName = %q", got)
	}
}
