// Package gauth turns service-account JSON into Google API client options.
package gauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
)

// Scopes used by the Google backends.
const (
	ScopeDrive        = "https://www.googleapis.com/auth/drive"
	ScopeStorageRW    = "https://www.googleapis.com/auth/devstorage.read_write"
	serviceAccountTyp = "service_account"
)

// ServiceAccount is the subset of the key file we inspect before handing it
// to the oauth2 library.
type ServiceAccount struct {
	Type        string `json:"type"`
	ProjectID   string `json:"project_id"`
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
}

// Parse checks that data is a service-account key file.
func Parse(data []byte) (*ServiceAccount, error) {
	if len(data) == 0 {
		return nil, errors.New("credentials are empty")
	}
	var sa ServiceAccount
	if err := json.Unmarshal(data, &sa); err != nil {
		return nil, fmt.Errorf("parse credentials JSON: %w", err)
	}
	if sa.Type != serviceAccountTyp {
		return nil, fmt.Errorf("credentials type is %q, want %q", sa.Type, serviceAccountTyp)
	}
	if sa.ClientEmail == "" || sa.PrivateKey == "" {
		return nil, errors.New("credentials are missing client_email or private_key")
	}
	return &sa, nil
}

// ClientOptions builds API client options that authenticate as the service
// account in data with the given scopes.
func ClientOptions(ctx context.Context, data []byte, scopes ...string) ([]option.ClientOption, *ServiceAccount, error) {
	sa, err := Parse(data)
	if err != nil {
		return nil, nil, err
	}
	params := google.CredentialsParams{Scopes: scopes}
	creds, err := google.CredentialsFromJSONWithTypeAndParams(ctx, data, google.ServiceAccount, params)
	if err != nil {
		return nil, nil, fmt.Errorf("load service account credentials: %w", err)
	}
	return []option.ClientOption{option.WithCredentials(creds)}, sa, nil
}
