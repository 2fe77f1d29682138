package database

import (
	"fmt"

	"github.com/zalando/go-keyring"
)

const (
	// Keyring service name for database credentials
	KeyringService      = "memvault-database"
	DatabasePasswordKey = "postgres-password"
	DefaultUser         = "memvault"
	DefaultDatabase     = "memvault"
)

// GetDatabasePassword retrieves the database password from the system keyring
func GetDatabasePassword() (string, error) {
	password, err := keyring.Get(KeyringService, DatabasePasswordKey)
	if err != nil {
		return "", fmt.Errorf("database password not found in keyring - run 'memvault init' to store it: %w", err)
	}
	return password, nil
}

// SetDatabasePassword stores the database password in the system keyring
func SetDatabasePassword(password string) error {
	if err := keyring.Set(KeyringService, DatabasePasswordKey, password); err != nil {
		return fmt.Errorf("failed to store database password in keyring: %w", err)
	}
	return nil
}

// DeleteDatabasePassword removes the stored database password
func DeleteDatabasePassword() error {
	return keyring.Delete(KeyringService, DatabasePasswordKey)
}
