package aws

import (
	"context"
	"fmt"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// Credential types accepted in Config.Credentials.
const (
	CredentialsDefault = "default"
	CredentialsStatic  = "static"
	CredentialsRoleARN = "role_arn"
	CredentialsProfile = "profile"
)

// Config holds the AWS settings for the Step Functions engine.
type Config struct {
	Region string `json:"region" yaml:"region"`
	// Endpoint overrides the Step Functions endpoint, e.g. Step Functions
	// Local at http://localhost:8083.
	Endpoint    string            `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Credentials CredentialsConfig `json:"credentials" yaml:"credentials"`
	// MetricsNamespace enables CloudWatch metrics under this namespace.
	MetricsNamespace string `json:"metricsNamespace,omitempty" yaml:"metricsNamespace,omitempty"`
	// RequestsPerSecond caps Step Functions API calls made by this process.
	// Zero means unlimited. Burst defaults to the rounded-up rate.
	RequestsPerSecond float64 `json:"requestsPerSecond,omitempty" yaml:"requestsPerSecond,omitempty"`
	Burst             int     `json:"burst,omitempty" yaml:"burst,omitempty"`
}

// CredentialsConfig selects how AWS credentials are obtained.
type CredentialsConfig struct {
	Type            string `json:"type" yaml:"type"`
	AccessKeyID     string `json:"accessKeyId,omitempty" yaml:"accessKeyId,omitempty"`
	SecretAccessKey string `json:"secretAccessKey,omitempty" yaml:"secretAccessKey,omitempty"`
	SessionToken    string `json:"sessionToken,omitempty" yaml:"sessionToken,omitempty"`
	RoleARN         string `json:"roleArn,omitempty" yaml:"roleArn,omitempty"`
	ExternalID      string `json:"externalId,omitempty" yaml:"externalId,omitempty"`
	SessionName     string `json:"sessionName,omitempty" yaml:"sessionName,omitempty"`
	Profile         string `json:"profile,omitempty" yaml:"profile,omitempty"`
}

// Validate checks the credential settings without contacting AWS.
func (c Config) Validate() error {
	switch c.Credentials.Type {
	case "", CredentialsDefault:
	case CredentialsStatic:
		if c.Credentials.AccessKeyID == "" || c.Credentials.SecretAccessKey == "" {
			return fmt.Errorf("aws: static credentials require accessKeyId and secretAccessKey")
		}
	case CredentialsRoleARN:
		if c.Credentials.RoleARN == "" {
			return fmt.Errorf("aws: role_arn credentials require roleArn")
		}
	case CredentialsProfile:
	default:
		return fmt.Errorf("aws: unsupported credential type %q", c.Credentials.Type)
	}
	if c.RequestsPerSecond < 0 || c.Burst < 0 {
		return fmt.Errorf("aws: requestsPerSecond and burst must not be negative")
	}
	return nil
}

// LoadConfig builds an aws.Config from c. Supported credential types are
// default (the SDK chain), static, role_arn and profile.
func LoadConfig(ctx context.Context, c Config) (awsv2.Config, error) {
	if err := c.Validate(); err != nil {
		return awsv2.Config{}, err
	}

	var opts []func(*config.LoadOptions) error
	if c.Region != "" {
		opts = append(opts, config.WithRegion(c.Region))
	}

	creds := c.Credentials
	switch creds.Type {
	case CredentialsStatic:
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken),
		))

	case CredentialsRoleARN:
		baseCfg, err := config.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return awsv2.Config{}, fmt.Errorf("aws: loading base config for role_arn: %w", err)
		}
		sessionName := creds.SessionName
		if sessionName == "" {
			sessionName = "connect-trigger"
		}
		provider := stscreds.NewAssumeRoleProvider(sts.NewFromConfig(baseCfg), creds.RoleARN,
			func(o *stscreds.AssumeRoleOptions) {
				o.RoleSessionName = sessionName
				if creds.ExternalID != "" {
					o.ExternalID = awsv2.String(creds.ExternalID)
				}
			})
		opts = append(opts, config.WithCredentialsProvider(awsv2.NewCredentialsCache(provider)))

	case CredentialsProfile:
		profile := creds.Profile
		if profile == "" {
			profile = "default"
		}
		opts = append(opts, config.WithSharedConfigProfile(profile))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return awsv2.Config{}, fmt.Errorf("aws: load config: %w", err)
	}
	return cfg, nil
}
