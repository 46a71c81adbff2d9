// Package secrets resolves the bonder signing key from the environment, a mounted file, or AWS
// Secrets Manager.
package secrets

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"github.com/hop-exchange/bonder-node/internal/eth"
)

const (
	SourceEnv  = "env"
	SourceFile = "file"
	SourceAWS  = "aws"
)

var (
	ErrInvalidConfig = errors.New("secrets: invalid config")
	ErrNotFound      = errors.New("secrets: not found")
)

type Provider interface {
	Get(ctx context.Context, key string) (string, error)
}

// New returns the provider for source. The AWS provider loads the default credential chain.
func New(ctx context.Context, source string) (Provider, error) {
	switch strings.TrimSpace(strings.ToLower(source)) {
	case "", SourceEnv:
		return NewEnv(), nil
	case SourceFile:
		return FileProvider{}, nil
	case SourceAWS:
		return NewAWS(ctx)
	default:
		return nil, fmt.Errorf("%w: unknown secret source %q", ErrInvalidConfig, source)
	}
}

type awsClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type AWSProvider struct {
	client awsClient
}

func NewAWS(ctx context.Context) (*AWSProvider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load aws config: %v", ErrInvalidConfig, err)
	}
	return NewAWSWithClient(secretsmanager.NewFromConfig(cfg))
}

func NewAWSWithClient(client awsClient) (*AWSProvider, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: nil secretsmanager client", ErrInvalidConfig)
	}
	return &AWSProvider{client: client}, nil
}

func (p *AWSProvider) Get(ctx context.Context, key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("%w: empty secret id", ErrInvalidConfig)
	}
	out, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: &key})
	if err != nil {
		return "", fmt.Errorf("secrets: get secret %q: %w", key, err)
	}
	if out.SecretString != nil && strings.TrimSpace(*out.SecretString) != "" {
		return strings.TrimSpace(*out.SecretString), nil
	}
	if len(out.SecretBinary) > 0 {
		return strings.TrimSpace(string(out.SecretBinary)), nil
	}
	return "", fmt.Errorf("%w: secret %q has no value", ErrNotFound, key)
}

type EnvProvider struct{}

func NewEnv() *EnvProvider { return &EnvProvider{} }

func (EnvProvider) Get(_ context.Context, key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("%w: empty env key", ErrInvalidConfig)
	}
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return "", fmt.Errorf("%w: env %s is empty", ErrNotFound, key)
	}
	return v, nil
}

// FileProvider treats the key as a path, e.g. a mounted Kubernetes secret.
type FileProvider struct{}

func (FileProvider) Get(_ context.Context, path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", fmt.Errorf("%w: empty secret path", ErrInvalidConfig)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return "", fmt.Errorf("secrets: read %s: %w", path, err)
	}
	v := strings.TrimSpace(string(b))
	if v == "" {
		return "", fmt.Errorf("%w: %s is empty", ErrNotFound, path)
	}
	return v, nil
}

// LoadBonderKey fetches name from p and parses it as a hex private key. A JSON secret of the
// form {"privateKey": "0x..."} is also accepted. Errors never include the secret value.
func LoadBonderKey(ctx context.Context, p Provider, name string) (*ecdsa.PrivateKey, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil provider", ErrInvalidConfig)
	}
	raw, err := p.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if strings.HasPrefix(raw, "{") {
		var wrapped struct {
			PrivateKey string `json:"privateKey"`
		}
		if err := json.Unmarshal([]byte(raw), &wrapped); err != nil {
			return nil, fmt.Errorf("%w: secret %q is not a valid key document", ErrInvalidConfig, name)
		}
		raw = wrapped.PrivateKey
	}
	key, err := eth.ParsePrivateKeyHex(raw)
	if err != nil {
		return nil, fmt.Errorf("secrets: bonder key %q: %w", name, err)
	}
	return key, nil
}
