package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/scrypt"
)

// Secrets file parameters.
const (
	secretsFileName = "secrets.json.enc"
	saltSize        = 16
	nonceSize       = 12
	scryptN         = 32768 // 2^15
	scryptR         = 8
	scryptP         = 1
	keySize         = 32 // AES-256
)

// Global state for decrypted secrets.
//
//nolint:gochecknoglobals // Intentional global state for in-memory secrets storage
var (
	decryptedSecrets    map[string]string
	decryptedSecretsMux sync.RWMutex
	unlockPassphrase    string
	unlockPassphraseMux sync.RWMutex
)

// SetUnlockPassphrase stores the passphrase in memory; the console reuses
// it for basic auth when no CONSOLE_PASSWORD secret is set.
func SetUnlockPassphrase(passphrase string) {
	unlockPassphraseMux.Lock()
	defer unlockPassphraseMux.Unlock()
	unlockPassphrase = passphrase
}

// GetUnlockPassphrase retrieves the passphrase from memory.
func GetUnlockPassphrase() string {
	unlockPassphraseMux.RLock()
	defer unlockPassphraseMux.RUnlock()
	return unlockPassphrase
}

// ClearUnlockPassphrase zeroes the passphrase in memory.
func ClearUnlockPassphrase() {
	unlockPassphraseMux.Lock()
	defer unlockPassphraseMux.Unlock()
	if unlockPassphrase != "" {
		passphraseBytes := []byte(unlockPassphrase)
		for i := range passphraseBytes {
			passphraseBytes[i] = 0
		}
		unlockPassphrase = ""
	}
}

// SetDecryptedSecrets stores decrypted secrets in memory.
func SetDecryptedSecrets(secrets map[string]string) {
	decryptedSecretsMux.Lock()
	defer decryptedSecretsMux.Unlock()
	decryptedSecrets = secrets
}

// GetSecret returns a secret value by name using standard precedence:
// 1. Decrypted secrets file (in memory)
// 2. Environment variables.
func GetSecret(name string) (string, error) {
	decryptedSecretsMux.RLock()
	if decryptedSecrets != nil {
		if value, exists := decryptedSecrets[name]; exists && value != "" {
			decryptedSecretsMux.RUnlock()
			return value, nil
		}
	}
	decryptedSecretsMux.RUnlock()

	if value := os.Getenv(name); value != "" {
		return value, nil
	}

	return "", fmt.Errorf("secret %s not found in secrets file or environment", name)
}

// SetSecret sets a secret value in memory.
func SetSecret(name, value string) {
	decryptedSecretsMux.Lock()
	defer decryptedSecretsMux.Unlock()

	if decryptedSecrets == nil {
		decryptedSecrets = make(map[string]string)
	}
	decryptedSecrets[name] = value
}

// SecretNames returns the stored secret names (not values).
func SecretNames() []string {
	decryptedSecretsMux.RLock()
	defer decryptedSecretsMux.RUnlock()

	names := make([]string, 0, len(decryptedSecrets))
	for name := range decryptedSecrets {
		names = append(names, name)
	}
	return names
}

// SaveSecretsToFile saves the current in-memory secrets to the encrypted
// file.
func SaveSecretsToFile(dir, passphrase string) error {
	decryptedSecretsMux.RLock()
	secretsCopy := make(map[string]string, len(decryptedSecrets))
	for k, v := range decryptedSecrets {
		secretsCopy[k] = v
	}
	decryptedSecretsMux.RUnlock()

	return EncryptSecretsFile(dir, passphrase, secretsCopy)
}

// SecretsFileExists checks whether secrets.json.enc exists under the
// project directory.
func SecretsFileExists(dir string) bool {
	path := filepath.Join(dir, ProjectConfigDir, secretsFileName)
	_, err := os.Stat(path)
	return err == nil
}

// EncryptSecretsFile encrypts and saves secrets to
// <dir>/.reploid/secrets.json.enc with 0600 permissions. The file layout
// is [salt][nonce][ciphertext+tag].
func EncryptSecretsFile(dir, passphrase string, secrets map[string]string) error {
	passphraseBytes := []byte(passphrase)
	defer func() {
		for i := range passphraseBytes {
			passphraseBytes[i] = 0
		}
	}()

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}

	key, err := scrypt.Key(passphraseBytes, salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return fmt.Errorf("failed to derive encryption key: %w", err)
	}
	defer func() {
		for i := range key {
			key[i] = 0
		}
	}()

	plaintext, err := json.Marshal(secrets)
	if err != nil {
		return fmt.Errorf("failed to marshal secrets: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	fileData := make([]byte, 0, saltSize+nonceSize+len(ciphertext))
	fileData = append(fileData, salt...)
	fileData = append(fileData, nonce...)
	fileData = append(fileData, ciphertext...)

	secretsDir := filepath.Join(dir, ProjectConfigDir)
	if err := os.MkdirAll(secretsDir, 0o755); err != nil {
		return fmt.Errorf("failed to create secrets directory: %w", err)
	}

	path := filepath.Join(secretsDir, secretsFileName)
	if err := os.WriteFile(path, fileData, 0o600); err != nil {
		return fmt.Errorf("failed to write secrets file: %w", err)
	}
	return nil
}

// DecryptSecretsFile decrypts and returns secrets from
// <dir>/.reploid/secrets.json.enc.
func DecryptSecretsFile(dir, passphrase string) (map[string]string, error) {
	path := filepath.Join(dir, ProjectConfigDir, secretsFileName)

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat secrets file: %w", err)
	}

	// Loose permissions leak key material; tighten them before reading.
	if info.Mode().Perm() != 0o600 {
		getLogger().Warn("⚠️  Secrets file has permissions %04o, fixing to 0600", info.Mode().Perm())
		if chmodErr := os.Chmod(path, 0o600); chmodErr != nil {
			return nil, fmt.Errorf("failed to fix file permissions: %w", chmodErr)
		}
	}

	fileData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secrets file: %w", err)
	}

	minSize := saltSize + nonceSize + 16 // 16 is the GCM tag size
	if len(fileData) < minSize {
		return nil, fmt.Errorf("secrets file is corrupted or invalid format (too small)")
	}

	salt := fileData[:saltSize]
	nonce := fileData[saltSize : saltSize+nonceSize]
	ciphertext := fileData[saltSize+nonceSize:]

	passphraseBytes := []byte(passphrase)
	defer func() {
		for i := range passphraseBytes {
			passphraseBytes[i] = 0
		}
	}()

	key, err := scrypt.Key(passphraseBytes, salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("failed to derive decryption key: %w", err)
	}
	defer func() {
		for i := range key {
			key[i] = 0
		}
	}()

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed (wrong passphrase or corrupted file)")
	}

	var secrets map[string]string
	if err := json.Unmarshal(plaintext, &secrets); err != nil {
		return nil, fmt.Errorf("failed to parse secrets: %w", err)
	}
	return secrets, nil
}
