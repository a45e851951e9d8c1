package config

import (
	"strings"
	"testing"
	"time"
)

func validLocal() Config {
	return Config{
		App:    AppConfig{Env: "local", Port: 8080},
		DB:     DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "crm"},
		Redis:  RedisConfig{Host: "localhost", Port: 6379},
		Auth:   AuthConfig{JWTSecret: "secret"},
		Twilio: TwilioConfig{AccountSID: "AC1", APIKeySID: "SK1", APIKeySecret: "s", TwiMLAppSID: "AP1"},
	}
}

func TestValidate_ReportsMissingRequired(t *testing.T) {
	c := Config{}
	err := c.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "TWILIO_ACCOUNT_SID") {
		t.Fatalf("expected twilio error in %q", err.Error())
	}
}

func TestValidate_ProductionRequiresSSLMode(t *testing.T) {
	c := validLocal()
	c.App.Env = "production"
	c.Auth.JWTIssuer = "iss"
	c.Auth.JWTAudience = "aud"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for production without DB_SSLMODE")
	}
}

func TestValidate_LocalDefaults(t *testing.T) {
	c := validLocal()
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.DB.SSLMode != "disable" {
		t.Fatalf("expected sslmode disable default, got %q", c.DB.SSLMode)
	}
	if c.Twilio.VoiceTokenTTL != time.Hour {
		t.Fatalf("expected 1h voice token ttl, got %v", c.Twilio.VoiceTokenTTL)
	}
	if c.Kommo.BaseDomain != "kommo.com" {
		t.Fatalf("unexpected kommo domain %q", c.Kommo.BaseDomain)
	}
	if c.Voice.DefaultCountryCode != "55" {
		t.Fatalf("unexpected country code %q", c.Voice.DefaultCountryCode)
	}
}

func TestValidate_RejectsNonNumericCountryCode(t *testing.T) {
	c := validLocal()
	c.Voice.DefaultCountryCode = "+1"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for non-numeric country code")
	}
}

func TestValidate_CountryCodeDigitsOnly(t *testing.T) {
	for _, cc := range []string{"-5", "55a", "1234"} {
		c := validLocal()
		c.Voice.DefaultCountryCode = cc
		if err := c.Validate(); err == nil {
			t.Fatalf("expected error for country code %q", cc)
		}
	}
	c := validLocal()
	c.Voice.DefaultCountryCode = "1"
	if err := c.Validate(); err != nil {
		t.Fatalf("expected single digit code accepted, got %v", err)
	}
}
