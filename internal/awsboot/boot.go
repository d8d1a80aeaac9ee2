// Package awsboot builds the optional AWS integrations from configuration:
// the S3 client for s3:// sources and the artifact mirror, the DynamoDB
// summary index, the EventBridge notifier, and SSM-held secrets.
package awsboot

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog/log"

	"github.com/reymartjohneva/SkyGuard-Intelligence/internal/config"
	"github.com/reymartjohneva/SkyGuard-Intelligence/internal/notify"
	"github.com/reymartjohneva/SkyGuard-Intelligence/internal/store"
)

// Services holds whatever AWS integrations the configuration enabled. Nil
// fields are disabled.
type Services struct {
	S3       *s3.Client
	Summary  []store.SummaryStore
	Notifier notify.Notifier
}

// Enabled reports whether cfg names any AWS resource.
func Enabled(cfg config.Config) bool {
	a := cfg.AWS
	return a.S3Bucket != "" || a.DynamoTable != "" || a.EventBus != "" || cfg.Analyzer.APIKeySSM != ""
}

// LoadConfig loads the default AWS config, overriding the region when set.
func LoadConfig(ctx context.Context, region string) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load AWS config: %w", err)
	}
	log.Debug().Str("region", cfg.Region).Msg("AWS config loaded")
	return cfg, nil
}

// Init creates the AWS services cfg asks for. It fills cfg.Analyzer.APIKey
// from SSM when a parameter is named and no key was given directly. The
// summary stores returned are S3-mirror-wrapped around base when a bucket is
// configured, plus a DynamoDB index when a table is configured.
func Init(ctx context.Context, cfg *config.Config, base store.SummaryStore) (*Services, error) {
	svc := &Services{Notifier: notify.Nop{}, Summary: []store.SummaryStore{base}}
	if !Enabled(*cfg) {
		return svc, nil
	}

	awsCfg, err := LoadConfig(ctx, cfg.AWS.Region)
	if err != nil {
		return nil, err
	}

	if cfg.Analyzer.APIKeySSM != "" && cfg.Analyzer.APIKey == "" {
		key, err := LoadParameter(ctx, ssm.NewFromConfig(awsCfg), cfg.Analyzer.APIKeySSM)
		if err != nil {
			return nil, err
		}
		cfg.Analyzer.APIKey = key
	}

	if cfg.AWS.S3Bucket != "" {
		svc.S3 = s3.NewFromConfig(awsCfg)
		svc.Summary[0] = store.NewS3Mirror(base, svc.S3, cfg.AWS.S3Bucket, cfg.Storage.OutputDir)
	}
	if cfg.AWS.DynamoTable != "" {
		svc.Summary = append(svc.Summary, store.NewDynamoStore(dynamodb.NewFromConfig(awsCfg), cfg.AWS.DynamoTable))
	}
	if cfg.AWS.EventBus != "" {
		svc.Notifier = notify.NewEventBridge(eventbridge.NewFromConfig(awsCfg), cfg.AWS.EventBus)
	}
	return svc, nil
}

// GetParameterAPI is the subset of *ssm.Client LoadParameter calls.
type GetParameterAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// LoadParameter reads a decrypted SecureString parameter.
func LoadParameter(ctx context.Context, client GetParameterAPI, name string) (string, error) {
	start := time.Now()
	result, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &name,
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("read SSM parameter %s: %w", name, err)
	}
	if result.Parameter == nil || result.Parameter.Value == nil {
		return "", fmt.Errorf("SSM parameter %s has no value", name)
	}
	log.Debug().Str("param", name).Dur("elapsed", time.Since(start)).Msg("Parameter loaded from SSM")
	return *result.Parameter.Value, nil
}
