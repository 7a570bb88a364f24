// Package credentials resolves the AWS identity each worker executes under.
// Workers never share credentials and nothing here touches process
// environment: every Resolve call hands back a self-contained aws.Config the
// worker threads through its own clients.
package credentials

import (
	"context"
	goerrors "errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/google/uuid"
	"github.com/gruntwork-io/go-commons/errors"
	"github.com/gruntwork-io/go-commons/retry"
	"github.com/opsdrift/ami-keeper/logging"
	"github.com/sirupsen/logrus"
)

// ErrNoRoleMapped means the target account is not the caller's own and the
// settings file maps no delegation role for it.
var ErrNoRoleMapped = goerrors.New("no delegation role mapped for account")

const sessionDuration = time.Hour

// Broker hands out per-account AWS configs: the ambient caller identity for
// the caller's own account, an assumed-role identity otherwise.
type Broker struct {
	base          aws.Config
	callerAccount string
	roles         map[string]string
}

// NewBroker wraps an already-loaded base config. callerAccount is the
// 12-digit account the base credentials belong to, roles maps foreign
// account ids to the role ARN to assume there.
func NewBroker(base aws.Config, callerAccount string, roles map[string]string) *Broker {
	return &Broker{
		base:          base,
		callerAccount: callerAccount,
		roles:         roles,
	}
}

// NewDefaultBroker loads the ambient AWS config and discovers the caller's
// account via STS.
func NewDefaultBroker(ctx context.Context, roles map[string]string) (*Broker, error) {
	base, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.WithStackTrace(err)
	}

	// The whole run depends on this one call, so ride out transient blips.
	var account string
	err = retry.DoWithRetry(logrus.NewEntry(logging.Logger), "get caller identity", 3, 2*time.Second, func() error {
		account, err = GetCurrentAccountId(ctx, base)
		return err
	})
	if err != nil {
		return nil, err
	}

	logging.Debugf("Running as account %s", account)
	return NewBroker(base, account, roles), nil
}

func GetCurrentAccountId(ctx context.Context, cfg aws.Config) (string, error) {
	stssvc := sts.NewFromConfig(cfg)
	output, err := stssvc.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", errors.WithStackTrace(err)
	}

	return aws.ToString(output.Account), nil
}

// CallerAccount returns the account id of the ambient identity.
func (b *Broker) CallerAccount() string {
	return b.callerAccount
}

// Resolve returns an aws.Config scoped to accountID and region. The caller's
// own account gets the ambient credentials with no delegation overhead; any
// other account gets a lazily assumed role. Credential retrieval for an
// assumed role happens on the worker's first API call, so a broken trust
// relationship surfaces there.
func (b *Broker) Resolve(accountID string, region string) (aws.Config, error) {
	cfg := b.base.Copy()
	cfg.Region = region

	if accountID == b.callerAccount {
		return cfg, nil
	}

	roleArn, ok := b.roles[accountID]
	if !ok {
		return aws.Config{}, fmt.Errorf("%w: %s", ErrNoRoleMapped, accountID)
	}

	provider := stscreds.NewAssumeRoleProvider(sts.NewFromConfig(b.base), roleArn, func(o *stscreds.AssumeRoleOptions) {
		// A uuid suffix keeps session names unique when several workers
		// delegate within the same second.
		o.RoleSessionName = fmt.Sprintf("ami-keeper-%s-%s", accountID, uuid.NewString())
		o.Duration = sessionDuration
	})
	cfg.Credentials = aws.NewCredentialsCache(provider)

	logging.Debugf("Resolved role %s for account %s", roleArn, accountID)
	return cfg, nil
}
