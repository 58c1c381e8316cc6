package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const machineTokenPrefix = "sbt_"

// GenerateMachineToken creates a static API token for a machine client
// (SCADA, line PLC gateway) and the hash to put into auth.machine_tokens.
// Format: sbt_<uuid>_<random_secret>
func GenerateMachineToken() (token, hash string, err error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", "", fmt.Errorf("failed to generate secret: %w", err)
	}

	token = fmt.Sprintf("%s%s_%s", machineTokenPrefix, uuid.NewString(), hex.EncodeToString(secretBytes))
	return token, HashMachineToken(token), nil
}

// HashMachineToken hashes a machine token for configuration
func HashMachineToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// IsMachineToken checks if token has the machine token format
func IsMachineToken(token string) bool {
	return len(token) >= len(machineTokenPrefix)+36+1+64 && strings.HasPrefix(token, machineTokenPrefix)
}

type machineToken struct {
	name string
	hash string
	role string
}

// validateMachineToken looks the token up among the configured hashes.
func (a *AuthService) validateMachineToken(token string) (*machineToken, error) {
	if !IsMachineToken(token) {
		return nil, fmt.Errorf("invalid token format")
	}

	hash := HashMachineToken(token)
	for i := range a.machineTokens {
		mt := &a.machineTokens[i]
		if subtle.ConstantTimeCompare([]byte(hash), []byte(mt.hash)) == 1 {
			return mt, nil
		}
	}
	return nil, fmt.Errorf("invalid token")
}
