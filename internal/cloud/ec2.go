// Package cloud talks to the compute provider that owns the tracked
// instances.
package cloud

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/powerbot/internal/models"
)

var ErrInstanceRequired = errors.New("instance id required")

// EC2API is the subset of the EC2 client used here.
type EC2API interface {
	DescribeInstanceStatus(ctx context.Context, in *ec2.DescribeInstanceStatusInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstanceStatusOutput, error)
	StartInstances(ctx context.Context, in *ec2.StartInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error)
	StopInstances(ctx context.Context, in *ec2.StopInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error)
}

// EC2Fleet reads and flips instance power state. The region is chosen per
// call; the shared client is never reconfigured.
type EC2Fleet struct {
	api    EC2API
	logger *zap.Logger
}

func NewEC2Fleet(api EC2API, logger *zap.Logger) *EC2Fleet {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EC2Fleet{api: api, logger: logger}
}

// NewEC2FleetFromEnv builds a client from the default AWS credential chain.
func NewEC2FleetFromEnv(ctx context.Context, region string, logger *zap.Logger) (*EC2Fleet, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewEC2Fleet(ec2.NewFromConfig(cfg), logger), nil
}

func inRegion(region string) func(*ec2.Options) {
	return func(o *ec2.Options) {
		if region != "" {
			o.Region = region
		}
	}
}

// DescribeStatuses returns the lifecycle code of every requested instance
// the provider knows about, running or not.
func (f *EC2Fleet) DescribeStatuses(ctx context.Context, region string, ids []string) (models.Statuses, error) {
	out := make(models.Statuses, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	pager := ec2.NewDescribeInstanceStatusPaginator(f.api, &ec2.DescribeInstanceStatusInput{
		IncludeAllInstances: aws.Bool(true),
		InstanceIds:         ids,
	})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx, inRegion(region))
		if err != nil {
			return nil, fmt.Errorf("describe instance status in %s: %w", region, err)
		}
		for _, st := range page.InstanceStatuses {
			if st.InstanceId == nil || st.InstanceState == nil || st.InstanceState.Code == nil {
				continue
			}
			// only the low byte is the state; the high byte is provider-internal
			out[*st.InstanceId] = models.LifecycleCode(*st.InstanceState.Code & 0xff)
		}
	}
	return out, nil
}

func (f *EC2Fleet) Start(ctx context.Context, region, id string) error {
	if id == "" {
		return ErrInstanceRequired
	}
	if _, err := f.api.StartInstances(ctx, &ec2.StartInstancesInput{InstanceIds: []string{id}}, inRegion(region)); err != nil {
		return fmt.Errorf("start %s: %w", id, err)
	}
	f.logger.Info("start requested", zap.String("instance", id), zap.String("region", region))
	return nil
}

func (f *EC2Fleet) Stop(ctx context.Context, region, id string) error {
	if id == "" {
		return ErrInstanceRequired
	}
	if _, err := f.api.StopInstances(ctx, &ec2.StopInstancesInput{InstanceIds: []string{id}}, inRegion(region)); err != nil {
		return fmt.Errorf("stop %s: %w", id, err)
	}
	f.logger.Info("stop requested", zap.String("instance", id), zap.String("region", region))
	return nil
}
