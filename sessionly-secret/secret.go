// Package sessionlysecret loads configuration secrets from AWS Secrets Manager
// into Go structs.
package sessionlysecret

import (
	"fmt"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
	"github.com/savaki/secrets"
)

// ProfileService holds the credentials for the external user-profile service.
type ProfileService struct {
	APIKey string `json:"apiKey"`
}

func LoadSecret(s *session.Session, secretName string, data interface{}) error {
	api := secrets.WithSecretsManager(secretsmanager.New(s))
	manager, err := secrets.NewManager(api)
	if err != nil {
		return fmt.Errorf("failed to initialize secrets: %w", err)
	}

	if err := manager.Decode(secretName, data); err != nil {
		return fmt.Errorf("failed to load secret %v: %w", secretName, err)
	}
	return nil
}

// LoadProfileAPIKey returns the profile-service API key stored under secretName.
func LoadProfileAPIKey(s *session.Session, secretName string) (string, error) {
	var secret ProfileService
	if err := LoadSecret(s, secretName, &secret); err != nil {
		return "", err
	}
	if secret.APIKey == "" {
		return "", fmt.Errorf("secret %v has no apiKey", secretName)
	}
	return secret.APIKey, nil
}
