package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	goskills "github.com/everydev1618/goskills"
)

// setupWizard drives the interactive authentication flow:
//
//	credentials → phone → code → [2fa]
//
// Every step validates by actually calling Telegram through a wizard-
// scoped transport. Transient artifacts (the connected transport, the
// phone-code hash) live only in this struct: the wizard is stateless
// across process restarts, and a restart mid-flow means the user starts
// over — a half-finished Telegram auth is invalid after restart anyway.
type setupWizard struct {
	factory TransportFactory
	host    goskills.Host
	log     *slog.Logger

	// onComplete hands the persisted credentials back to the controller
	// so it can connect without a separate load round-trip.
	onComplete func(ctx context.Context, creds credentials)

	mu        sync.Mutex
	transport Transport
	apiID     int
	apiHash   string
	phone     string
	codeHash  string
}

func newSetupWizard(factory TransportFactory, host goskills.Host, log *slog.Logger, onComplete func(context.Context, credentials)) *setupWizard {
	if log == nil {
		log = slog.Default()
	}
	return &setupWizard{factory: factory, host: host, log: log, onComplete: onComplete}
}

var stepCredentials = &goskills.SetupStep{
	ID:          "credentials",
	Title:       "API Credentials",
	Description: "Enter your Telegram API credentials. Get them at https://my.telegram.org/apps",
	Fields: []goskills.SetupField{
		{
			Name:        "api_id",
			Kind:        goskills.FieldText,
			Label:       "API ID",
			Description: "Numeric application ID from my.telegram.org",
			Required:    true,
			Placeholder: "12345678",
		},
		{
			Name:        "api_hash",
			Kind:        goskills.FieldPassword,
			Label:       "API Hash",
			Description: "Application secret hash from my.telegram.org",
			Required:    true,
			Placeholder: "0123456789abcdef0123456789abcdef",
		},
	},
}

var stepPhone = &goskills.SetupStep{
	ID:          "phone",
	Title:       "Phone Number",
	Description: "Enter the phone number associated with your Telegram account.",
	Fields: []goskills.SetupField{
		{
			Name:        "phone",
			Kind:        goskills.FieldText,
			Label:       "Phone Number",
			Description: "Include country code (e.g. +1234567890)",
			Required:    true,
			Placeholder: "+1234567890",
		},
	},
}

var stepCode = &goskills.SetupStep{
	ID:          "code",
	Title:       "Verification Code",
	Description: "Enter the verification code Telegram sent to your device.",
	Fields: []goskills.SetupField{
		{
			Name:        "code",
			Kind:        goskills.FieldText,
			Label:       "Verification Code",
			Description: "The 5-digit code from Telegram",
			Required:    true,
			Placeholder: "12345",
		},
	},
}

var step2FA = &goskills.SetupStep{
	ID:          "2fa",
	Title:       "Two-Factor Authentication",
	Description: "Your account has 2FA enabled. Enter your password.",
	Fields: []goskills.SetupField{
		{
			Name:        "password",
			Kind:        goskills.FieldPassword,
			Label:       "2FA Password",
			Description: "Your Telegram cloud password",
			Required:    true,
		},
	},
}

func (w *setupWizard) resetLocked(ctx context.Context) {
	if w.transport != nil {
		if err := w.transport.Close(ctx); err != nil {
			w.log.Debug("setup transport close", "error", err)
		}
	}
	w.transport = nil
	w.apiID = 0
	w.apiHash = ""
	w.phone = ""
	w.codeHash = ""
}

// Start returns the first step. When TELEGRAM_API_ID and
// TELEGRAM_API_HASH are set in the environment the credentials step is
// skipped and the wizard jumps straight to the phone number.
func (w *setupWizard) Start(ctx context.Context) (*goskills.SetupStep, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.resetLocked(ctx)

	envID := strings.TrimSpace(os.Getenv("TELEGRAM_API_ID"))
	envHash := strings.TrimSpace(os.Getenv("TELEGRAM_API_HASH"))
	if envID != "" && envHash != "" {
		if id, err := strconv.Atoi(envID); err == nil {
			if err := w.connectLocked(ctx, id, envHash); err == nil {
				w.log.Info("using API credentials from environment")
				return stepPhone, nil
			}
			w.log.Warn("environment credentials failed, falling back to manual entry")
			w.resetLocked(ctx)
		}
	}

	return stepCredentials, nil
}

func (w *setupWizard) connectLocked(ctx context.Context, apiID int, apiHash string) error {
	transport, err := w.factory(TransportConfig{APIID: apiID, APIHash: apiHash})
	if err != nil {
		return err
	}
	if err := transport.Connect(ctx); err != nil {
		transport.Close(ctx)
		return err
	}
	w.transport = transport
	w.apiID = apiID
	w.apiHash = apiHash
	return nil
}

// Submit validates and processes one step.
func (w *setupWizard) Submit(ctx context.Context, stepID string, values map[string]any) (*goskills.SetupResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch stepID {
	case "credentials":
		return w.handleCredentials(ctx, values), nil
	case "phone":
		return w.handlePhone(ctx, values), nil
	case "code":
		return w.handleCode(ctx, values), nil
	case "2fa":
		return w.handle2FA(ctx, values), nil
	}
	return goskills.FieldError("", fmt.Sprintf("Unknown step: %s", stepID)), nil
}

// Cancel discards all transient state.
func (w *setupWizard) Cancel(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.resetLocked(ctx)
}

func stringValue(values map[string]any, key string) string {
	v, ok := values[key]
	if !ok {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

func (w *setupWizard) handleCredentials(ctx context.Context, values map[string]any) *goskills.SetupResult {
	rawID := stringValue(values, "api_id")
	rawHash := stringValue(values, "api_hash")

	var errs []goskills.SetupFieldError
	id, convErr := strconv.Atoi(rawID)
	switch {
	case rawID == "":
		errs = append(errs, goskills.SetupFieldError{Field: "api_id", Message: "API ID is required"})
	case convErr != nil:
		errs = append(errs, goskills.SetupFieldError{Field: "api_id", Message: "API ID must be a number"})
	}
	if rawHash == "" {
		errs = append(errs, goskills.SetupFieldError{Field: "api_hash", Message: "API Hash is required"})
	}
	if len(errs) > 0 {
		return &goskills.SetupResult{Status: goskills.SetupError, Errors: errs}
	}

	if err := w.connectLocked(ctx, id, rawHash); err != nil {
		if goskills.IsAuth(err) {
			return goskills.FieldError("api_id", "Invalid API ID or API Hash")
		}
		return goskills.FieldError("api_id", "Connection failed: "+err.Error())
	}
	return goskills.NextResult(stepPhone)
}

func (w *setupWizard) handlePhone(ctx context.Context, values map[string]any) *goskills.SetupResult {
	phone := stringValue(values, "phone")
	if phone == "" {
		return goskills.FieldError("phone", "Phone number is required")
	}
	if !strings.HasPrefix(phone, "+") {
		phone = "+" + phone
	}
	if w.transport == nil {
		return goskills.FieldError("phone", "Not connected — restart setup")
	}

	codeHash, err := w.transport.SendCode(ctx, phone)
	if err != nil {
		if goskills.IsAuth(err) {
			return goskills.FieldError("phone", "Invalid phone number")
		}
		return goskills.FieldError("phone", "Failed to send code: "+err.Error())
	}

	w.phone = phone
	w.codeHash = codeHash
	return goskills.NextResult(stepCode)
}

func (w *setupWizard) handleCode(ctx context.Context, values map[string]any) *goskills.SetupResult {
	code := stringValue(values, "code")
	if code == "" {
		return goskills.FieldError("code", "Verification code is required")
	}
	if w.transport == nil {
		return goskills.FieldError("code", "Not connected — restart setup")
	}

	err := w.transport.SignIn(ctx, w.phone, code, w.codeHash)
	switch {
	case err == nil:
		return w.completeLocked(ctx)
	case errors.Is(err, ErrPasswordNeeded):
		return goskills.NextResult(step2FA)
	case goskills.IsAuth(err):
		return goskills.FieldError("code", "Invalid or expired verification code")
	default:
		return goskills.FieldError("code", "Sign-in failed: "+err.Error())
	}
}

func (w *setupWizard) handle2FA(ctx context.Context, values map[string]any) *goskills.SetupResult {
	password, _ := values["password"].(string)
	if password == "" {
		return goskills.FieldError("password", "Password is required")
	}
	if w.transport == nil {
		return goskills.FieldError("password", "Not connected — restart setup")
	}

	if err := w.transport.CheckPassword(ctx, password); err != nil {
		if goskills.IsAuth(err) {
			return goskills.FieldError("password", "Incorrect 2FA password")
		}
		return goskills.FieldError("password", "2FA failed: "+err.Error())
	}
	return w.completeLocked(ctx)
}

// completeLocked persists the session and hands off to the controller.
func (w *setupWizard) completeLocked(ctx context.Context) *goskills.SetupResult {
	session, err := w.transport.ExportSession(ctx)
	if err != nil {
		return goskills.FieldError("", "Failed to export session: "+err.Error())
	}

	creds := credentials{APIID: w.apiID, APIHash: w.apiHash, SessionString: session}
	data, err := json.Marshal(creds)
	if err != nil {
		return goskills.FieldError("", "Failed to encode config: "+err.Error())
	}
	if err := w.host.WriteData(configFile, data); err != nil {
		return goskills.FieldError("", "Failed to save config: "+err.Error())
	}

	w.resetLocked(ctx)
	if w.onComplete != nil {
		w.onComplete(ctx, creds)
	}
	return goskills.CompleteResult("Telegram account connected. The skill is syncing your chats now.")
}
