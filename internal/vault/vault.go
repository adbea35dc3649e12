// Package vault is a software key vault backing the identity engine's crypto
// capability: keypair generation, signing, and anonymous delegation proofs.
// Keys at rest are sealed with AES-GCM under an argon2-derived master key.
package vault

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"golang.org/x/crypto/argon2"
)

// AuthorityKeyID is the key whose signatures serve as anonymity proofs for
// delegation tokens. A verifier checking such a proof learns only that the
// authority vouched for the payload, never which delegator requested it.
const AuthorityKeyID = "delegation_authority"

var (
	ErrKeyNotFound = errors.New("key not found")
	ErrKeyInactive = errors.New("key is not active")
)

// Signer is the signing capability injected into the identity engine.
type Signer interface {
	GenerateKeyPair(keyID string) (*KeyPair, error)
	PublicKeyPEM(keyID string) (string, error)
	Sign(keyID string, data []byte) ([]byte, error)
	Verify(keyID string, data, signature []byte) (bool, error)
	DeleteKey(keyID string) error
}

// AnonymousProver produces and checks delegation proofs that are unlinkable
// to the delegator. The concrete scheme is the vault's concern; verifiers
// depend only on this interface.
type AnonymousProver interface {
	Prove(payload []byte) (string, error)
	VerifyProof(payload []byte, proof string) bool
}

// Vault implements Signer and AnonymousProver.
type Vault struct {
	mu           sync.RWMutex
	keys         map[string]*KeyPair
	masterKey    []byte
	keyStorePath string
}

// KeyPair holds an RSA keypair with its activity window.
type KeyPair struct {
	ID         string
	PublicKey  *rsa.PublicKey
	PrivateKey *rsa.PrivateKey
	CreatedAt  time.Time
	ExpiresAt  time.Time
	IsActive   bool
}

// Config holds vault configuration.
type Config struct {
	MasterKey    string
	Salt         []byte // optional; generated when nil
	KeyStorePath string // empty keeps all keys in memory
	KeyLifetime  time.Duration
}

const defaultKeyLifetime = 365 * 24 * time.Hour

// Open initializes the vault, loading persisted keys and generating the
// delegation authority key when absent.
func Open(config Config) (*Vault, error) {
	if config.MasterKey == "" {
		return nil, errors.New("master key required")
	}

	salt := config.Salt
	if len(salt) == 0 {
		salt = make([]byte, 16)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("failed to generate salt: %w", err)
		}
	}

	v := &Vault{
		keys:         make(map[string]*KeyPair),
		masterKey:    deriveKey(config.MasterKey, string(salt), 32),
		keyStorePath: config.KeyStorePath,
	}

	if err := v.loadKeys(); err != nil {
		return nil, fmt.Errorf("failed to load keys: %w", err)
	}

	if _, ok := v.keys[AuthorityKeyID]; !ok {
		if _, err := v.GenerateKeyPair(AuthorityKeyID); err != nil {
			return nil, fmt.Errorf("failed to generate authority key: %w", err)
		}
	}

	return v, nil
}

// GenerateKeyPair creates and persists a new RSA keypair under keyID.
func (v *Vault) GenerateKeyPair(keyID string) (*KeyPair, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := validateKeyID(keyID); err != nil {
		return nil, fmt.Errorf("invalid key ID: %w", err)
	}
	if _, exists := v.keys[keyID]; exists {
		return nil, fmt.Errorf("key with ID %s already exists", keyID)
	}

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}

	keyPair := &KeyPair{
		ID:         keyID,
		PublicKey:  &privateKey.PublicKey,
		PrivateKey: privateKey,
		CreatedAt:  time.Now(),
		ExpiresAt:  time.Now().Add(defaultKeyLifetime),
		IsActive:   true,
	}
	v.keys[keyID] = keyPair

	if err := v.saveKeyToDisk(keyPair); err != nil {
		delete(v.keys, keyID)
		return nil, fmt.Errorf("failed to save key to disk: %w", err)
	}

	return keyPair, nil
}

// PublicKeyPEM returns the public key for keyID in PEM form.
func (v *Vault) PublicKeyPEM(keyID string) (string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	keyPair, exists := v.keys[keyID]
	if !exists {
		return "", fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	if !keyPair.IsActive {
		return "", fmt.Errorf("%w: %s", ErrKeyInactive, keyID)
	}

	publicKeyBytes, err := x509.MarshalPKIXPublicKey(keyPair.PublicKey)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}

	return string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PUBLIC KEY",
		Bytes: publicKeyBytes,
	})), nil
}

// Sign signs sha256(data) with the named key using PKCS1v15.
func (v *Vault) Sign(keyID string, data []byte) ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	keyPair, exists := v.keys[keyID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	if !keyPair.IsActive {
		return nil, fmt.Errorf("%w: %s", ErrKeyInactive, keyID)
	}

	hashed := sha256.Sum256(data)
	signature, err := rsa.SignPKCS1v15(rand.Reader, keyPair.PrivateKey, crypto.SHA256, hashed[:])
	if err != nil {
		return nil, fmt.Errorf("failed to sign data: %w", err)
	}
	return signature, nil
}

// Verify checks a PKCS1v15 signature over sha256(data).
func (v *Vault) Verify(keyID string, data, signature []byte) (bool, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	keyPair, exists := v.keys[keyID]
	if !exists {
		return false, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}

	hashed := sha256.Sum256(data)
	if err := rsa.VerifyPKCS1v15(keyPair.PublicKey, crypto.SHA256, hashed[:], signature); err != nil {
		return false, nil
	}
	return true, nil
}

// Prove signs the payload with the delegation authority key and returns the
// base64 proof. The payload must not name the delegator.
func (v *Vault) Prove(payload []byte) (string, error) {
	signature, err := v.Sign(AuthorityKeyID, payload)
	if err != nil {
		return "", fmt.Errorf("failed to produce delegation proof: %w", err)
	}
	return base64.StdEncoding.EncodeToString(signature), nil
}

// VerifyProof checks an authority proof over payload.
func (v *Vault) VerifyProof(payload []byte, proof string) bool {
	sigBytes, err := base64.StdEncoding.DecodeString(proof)
	if err != nil {
		return false
	}
	ok, err := v.Verify(AuthorityKeyID, payload, sigBytes)
	return err == nil && ok
}

// DeleteKey removes a key from the vault and its on-disk copy.
func (v *Vault) DeleteKey(keyID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, exists := v.keys[keyID]; !exists {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	delete(v.keys, keyID)

	if err := validateKeyID(keyID); err != nil {
		return fmt.Errorf("invalid key ID: %w", err)
	}
	if v.keyStorePath == "" {
		return nil
	}
	keyPath := filepath.Join(v.keyStorePath, keyID+".key")
	if err := os.Remove(keyPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete key file: %w", err)
	}
	return nil
}

// RotateExpired generates replacements for expired or deactivated keys and
// marks the old ones inactive. Returns the rotated key IDs.
func (v *Vault) RotateExpired() ([]string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	var rotated []string
	now := time.Now()

	for keyID, keyPair := range v.keys {
		if now.Before(keyPair.ExpiresAt) && keyPair.IsActive {
			continue
		}
		newKeyID := fmt.Sprintf("%s_%d", keyID, now.Unix())
		privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return rotated, fmt.Errorf("rotate %s: %w", keyID, err)
		}
		keyPair.IsActive = false
		v.keys[newKeyID] = &KeyPair{
			ID:         newKeyID,
			PublicKey:  &privateKey.PublicKey,
			PrivateKey: privateKey,
			CreatedAt:  now,
			ExpiresAt:  now.Add(defaultKeyLifetime),
			IsActive:   true,
		}
		rotated = append(rotated, keyID)
	}
	return rotated, nil
}

func (v *Vault) loadKeys() error {
	if v.keyStorePath == "" {
		return nil
	}

	files, err := os.ReadDir(v.keyStorePath)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(v.keyStorePath, 0700)
		}
		return err
	}

	for _, file := range files {
		if file.IsDir() {
			continue
		}
		keyData, err := os.ReadFile(filepath.Join(v.keyStorePath, file.Name()))
		if err != nil {
			continue
		}
		decrypted, err := v.decryptWithMasterKey(keyData)
		if err != nil {
			continue
		}
		var keyPair KeyPair
		if err := json.Unmarshal(decrypted, &keyPair); err != nil {
			continue
		}
		v.keys[keyPair.ID] = &keyPair
	}
	return nil
}

func (v *Vault) saveKeyToDisk(keyPair *KeyPair) error {
	if v.keyStorePath == "" {
		return nil
	}

	keyData, err := json.Marshal(keyPair)
	if err != nil {
		return err
	}
	encrypted, err := v.encryptWithMasterKey(keyData)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(v.keyStorePath, keyPair.ID+".key"), encrypted, 0600)
}

func (v *Vault) encryptWithMasterKey(data []byte) ([]byte, error) {
	block, err := aes.NewCipher(v.masterKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, data, nil), nil
}

func (v *Vault) decryptWithMasterKey(data []byte) ([]byte, error) {
	block, err := aes.NewCipher(v.masterKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, errors.New("ciphertext too short")
	}
	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

func deriveKey(password, salt string, keyLen uint32) []byte {
	return argon2.IDKey([]byte(password), []byte(salt), 3, 32*1024, 4, keyLen)
}

var validKeyID = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// validateKeyID rejects key IDs that could escape the key store directory.
func validateKeyID(keyID string) error {
	if keyID == "" {
		return errors.New("key ID cannot be empty")
	}
	if filepath.IsAbs(keyID) || filepath.Clean(keyID) != keyID {
		return errors.New("key ID contains invalid path elements")
	}
	if !validKeyID.MatchString(keyID) {
		return errors.New("key ID contains invalid characters")
	}
	return nil
}
