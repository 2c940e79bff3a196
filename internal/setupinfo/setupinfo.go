// Package setupinfo builds the scannable setup payload controllers
// use to onboard the accessory: code validation, the X-HM:// URI, and
// QR rendering.
package setupinfo

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/outletlabs/hkplug/internal/accessory"
)

const (
	// payloadVersion is the setup payload format version.
	payloadVersion = 0
	// flagIP marks the accessory as pairable over IP transport.
	flagIP = 2
	// encodedLen is the fixed base36 width of the payload value.
	encodedLen = 9
)

// trivialCodes are rejected as setup codes.
var trivialCodes = map[string]bool{
	"00000000": true,
	"11111111": true,
	"22222222": true,
	"33333333": true,
	"44444444": true,
	"55555555": true,
	"66666666": true,
	"77777777": true,
	"88888888": true,
	"99999999": true,
	"12345678": true,
	"87654321": true,
}

// NormalizeCode validates a setup code given as ###-##-### or as 8
// bare digits and returns the 8-digit form.
func NormalizeCode(code string) (string, error) {
	digits := code
	if len(code) == 10 {
		if code[3] != '-' || code[6] != '-' {
			return "", fmt.Errorf("setup code %q: want ###-##-### or 8 digits", code)
		}
		digits = code[:3] + code[4:6] + code[7:]
	}
	if len(digits) != 8 {
		return "", fmt.Errorf("setup code %q: want ###-##-### or 8 digits", code)
	}
	for _, c := range digits {
		if c < '0' || c > '9' {
			return "", fmt.Errorf("setup code %q: non-digit character", code)
		}
	}
	if trivialCodes[digits] {
		return "", fmt.Errorf("setup code %q: too predictable", code)
	}
	return digits, nil
}

// FormatCode renders an 8-digit code as ###-##-###.
func FormatCode(digits string) string {
	if len(digits) != 8 {
		return digits
	}
	return digits[:3] + "-" + digits[3:5] + "-" + digits[5:]
}

// Payload builds the X-HM:// setup URI from a code, a 4-character
// setup ID, and the accessory category.
func Payload(code, setupID string, category accessory.Category) (string, error) {
	digits, err := NormalizeCode(code)
	if err != nil {
		return "", err
	}
	if err := validateSetupID(setupID); err != nil {
		return "", err
	}

	n, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return "", fmt.Errorf("setup code %q: %w", code, err)
	}

	value := n |
		uint64(flagIP)<<27 |
		uint64(category)<<31 |
		uint64(payloadVersion)<<43

	enc := strings.ToUpper(strconv.FormatUint(value, 36))
	for len(enc) < encodedLen {
		enc = "0" + enc
	}
	return "X-HM://" + enc + setupID, nil
}

// NewSetupID mints a random 4-character setup ID.
func NewSetupID() string {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	u := uuid.New()
	b := make([]byte, 4)
	for i := range b {
		b[i] = alphabet[int(u[i])%len(alphabet)]
	}
	return string(b)
}

func validateSetupID(id string) error {
	if len(id) != 4 {
		return fmt.Errorf("setup id %q: want 4 characters", id)
	}
	for _, c := range id {
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return fmt.Errorf("setup id %q: want uppercase letters and digits", id)
		}
	}
	return nil
}

// WriteQR renders the payload as a PNG QR code at path.
func WriteQR(payload, path string) error {
	if err := qrcode.WriteFile(payload, qrcode.Medium, 256, path); err != nil {
		return fmt.Errorf("write qr: %w", err)
	}
	return nil
}

// Terminal renders the payload as a text QR code for console output.
func Terminal(payload string) (string, error) {
	q, err := qrcode.New(payload, qrcode.Medium)
	if err != nil {
		return "", fmt.Errorf("render qr: %w", err)
	}
	return q.ToSmallString(false), nil
}
