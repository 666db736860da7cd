// Package awsauth resolves AWS credentials for fleet workers. Fleet
// members outside the account (the Raspberry Pi boxes) assume a role;
// in-account hosts ride the ambient chain.
package awsauth

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/lexara/sixworker/internal/config"
)

// Resolve builds the AWS config for a worker. Resolution order:
// explicit profile, then assume-role when a role ARN is configured,
// then the default chain (env keys, shared config, instance role).
func Resolve(ctx context.Context, cfg config.Config, log *slog.Logger) (aws.Config, error) {
	if log == nil {
		log = slog.Default()
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.AWSRegion),
	}
	if cfg.AWSProfile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.AWSProfile))
	}

	ac, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("op=awsauth.resolve: %w", err)
	}

	if cfg.AWSRoleARN != "" {
		stsClient := sts.NewFromConfig(ac)
		provider := stscreds.NewAssumeRoleProvider(stsClient, cfg.AWSRoleARN, func(o *stscreds.AssumeRoleOptions) {
			o.RoleSessionName = SessionName(cfg.WorkerID)
		})
		ac.Credentials = aws.NewCredentialsCache(provider)
		log.Info("assuming AWS role",
			slog.String("role_arn", cfg.AWSRoleARN),
			slog.String("session", SessionName(cfg.WorkerID)))
	} else if cfg.AWSProfile != "" {
		log.Info("using AWS profile", slog.String("profile", cfg.AWSProfile))
	} else {
		log.Debug("using ambient AWS credential chain")
	}

	return ac, nil
}

// SessionName derives the STS session name from the worker identity.
func SessionName(workerID string) string {
	if workerID == "" {
		return "six-worker"
	}
	return "six-worker-" + workerID
}
