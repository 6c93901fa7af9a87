package cloud

import (
	"context"
	"fmt"
	"math"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
)

// describeBatch bounds the number of instance IDs sent per DescribeInstances
// call; EC2 rejects very large ID filters.
const describeBatch = 500

// AutoScalingAPI is the subset of the Auto Scaling client used by AWSGroup.
type AutoScalingAPI interface {
	DescribeAutoScalingGroups(ctx context.Context, in *autoscaling.DescribeAutoScalingGroupsInput, optFns ...func(*autoscaling.Options)) (*autoscaling.DescribeAutoScalingGroupsOutput, error)
	SetDesiredCapacity(ctx context.Context, in *autoscaling.SetDesiredCapacityInput, optFns ...func(*autoscaling.Options)) (*autoscaling.SetDesiredCapacityOutput, error)
	TerminateInstanceInAutoScalingGroup(ctx context.Context, in *autoscaling.TerminateInstanceInAutoScalingGroupInput, optFns ...func(*autoscaling.Options)) (*autoscaling.TerminateInstanceInAutoScalingGroupOutput, error)
}

// AWSOptions carries what is needed to reach one Auto Scaling group.
type AWSOptions struct {
	Region    string
	AccessKey string
	SecretKey string
	Group     string
}

// AWSGroup implements InstanceGroup and Describer on top of an EC2 Auto
// Scaling group.
type AWSGroup struct {
	asg   AutoScalingAPI
	ec2   ec2.DescribeInstancesAPIClient
	group string
}

// NewAWSGroup builds SDK clients with static credentials for the given
// region and group.
func NewAWSGroup(ctx context.Context, opts AWSOptions) (*AWSGroup, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(opts.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewAWSGroupFromClients(autoscaling.NewFromConfig(cfg), ec2.NewFromConfig(cfg), opts.Group), nil
}

// NewAWSGroupFromClients wires pre-built clients. Tests pass fakes here.
func NewAWSGroupFromClients(asg AutoScalingAPI, ec2c ec2.DescribeInstancesAPIClient, group string) *AWSGroup {
	return &AWSGroup{asg: asg, ec2: ec2c, group: group}
}

// ListInstanceIDs returns the members of the configured group.
func (g *AWSGroup) ListInstanceIDs(ctx context.Context) ([]string, error) {
	out, err := g.asg.DescribeAutoScalingGroups(ctx, &autoscaling.DescribeAutoScalingGroupsInput{
		AutoScalingGroupNames: []string{g.group},
	})
	if err != nil {
		return nil, fmt.Errorf("describe group %s: %w", g.group, err)
	}
	if len(out.AutoScalingGroups) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrGroupNotFound, g.group)
	}

	var ids []string
	for _, inst := range out.AutoScalingGroups[0].Instances {
		if id := aws.ToString(inst.InstanceId); id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// SetDesiredCapacity resizes the group. n must fit the API's int32 field.
func (g *AWSGroup) SetDesiredCapacity(ctx context.Context, n int) error {
	if n < 0 || n > math.MaxInt32 {
		return fmt.Errorf("set desired capacity of %s: %d is out of range", g.group, n)
	}
	_, err := g.asg.SetDesiredCapacity(ctx, &autoscaling.SetDesiredCapacityInput{
		AutoScalingGroupName: aws.String(g.group),
		DesiredCapacity:      aws.Int32(int32(n)),
	})
	if err != nil {
		return fmt.Errorf("set desired capacity of %s to %d: %w", g.group, n, err)
	}
	return nil
}

// TerminateInstance terminates a group member.
func (g *AWSGroup) TerminateInstance(ctx context.Context, instanceID string, decrement bool) error {
	_, err := g.asg.TerminateInstanceInAutoScalingGroup(ctx, &autoscaling.TerminateInstanceInAutoScalingGroupInput{
		InstanceId:                     aws.String(instanceID),
		ShouldDecrementDesiredCapacity: aws.Bool(decrement),
	})
	if err != nil {
		return fmt.Errorf("terminate %s: %w", instanceID, err)
	}
	return nil
}

// DescribeInstances resolves ids through EC2, following pagination.
func (g *AWSGroup) DescribeInstances(ctx context.Context, ids []string) ([]Instance, error) {
	var result []Instance
	for start := 0; start < len(ids); start += describeBatch {
		end := min(start+describeBatch, len(ids))
		p := ec2.NewDescribeInstancesPaginator(g.ec2, &ec2.DescribeInstancesInput{
			InstanceIds: ids[start:end],
		})
		for p.HasMorePages() {
			page, err := p.NextPage(ctx)
			if err != nil {
				return nil, fmt.Errorf("describe instances: %w", err)
			}
			for _, res := range page.Reservations {
				for _, inst := range res.Instances {
					in := Instance{
						ID:             aws.ToString(inst.InstanceId),
						PublicAddress:  aws.ToString(inst.PublicIpAddress),
						PrivateAddress: aws.ToString(inst.PrivateIpAddress),
					}
					if inst.State != nil {
						in.State = string(inst.State.Name)
					}
					result = append(result, in)
				}
			}
		}
	}
	return result, nil
}
