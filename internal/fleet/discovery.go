package fleet

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"

	"github.com/vpn4u/fleet-control-plane/internal/metrics"
	"github.com/vpn4u/fleet-control-plane/internal/model"
)

// Discoverer syncs the server inventory from the hosting provider. Fleet
// nodes are created and retired outside this service; discovery only
// mirrors them into our records.
type Discoverer interface {
	Discover(ctx context.Context) ([]model.Server, error)
}

// AWSDiscoverer lists EC2 instances carrying the fleet tag across the
// configured provider regions and maps them to server records.
type AWSDiscoverer struct {
	regions []string
	tagKey  string
}

func NewAWSDiscoverer(regions []string, tagKey string) (*AWSDiscoverer, error) {
	if len(regions) == 0 {
		return nil, fmt.Errorf("at least one discovery region is required")
	}
	tagKey = strings.TrimSpace(tagKey)
	if tagKey == "" {
		return nil, fmt.Errorf("discovery tag key is required")
	}
	return &AWSDiscoverer{regions: regions, tagKey: tagKey}, nil
}

func (d *AWSDiscoverer) Discover(ctx context.Context) ([]model.Server, error) {
	var out []model.Server
	for _, region := range d.regions {
		servers, err := d.discoverRegion(ctx, region)
		if err != nil {
			return nil, fmt.Errorf("discover %s: %w", region, err)
		}
		out = append(out, servers...)
	}
	return out, nil
}

func (d *AWSDiscoverer) discoverRegion(ctx context.Context, region string) ([]model.Server, error) {
	cfg, err := awscfg.LoadDefaultConfig(ctx, awscfg.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}
	client := ec2.NewFromConfig(cfg)

	input := &ec2.DescribeInstancesInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("tag-key"), Values: []string{d.tagKey}},
			{Name: aws.String("instance-state-name"), Values: []string{"pending", "running", "stopping", "stopped"}},
		},
	}

	var descOut *ec2.DescribeInstancesOutput
	start := time.Now()
	err = retryAWS(ctx, "describe_instances", region, func(callCtx context.Context) error {
		var descErr error
		descOut, descErr = client.DescribeInstances(callCtx, input)
		return descErr
	})
	durMS := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
	}
	labels := map[string]string{"op": "describe_instances", "region": region, "status": status}
	metrics.Default().IncCounter("vpn4u_aws_operations_total", labels)
	metrics.Default().ObserveHistogram("vpn4u_aws_operation_latency_ms", durMS, labels)
	if err != nil {
		return nil, fmt.Errorf("describe instances: %w", err)
	}

	var servers []model.Server
	for _, res := range descOut.Reservations {
		for _, inst := range res.Instances {
			servers = append(servers, instanceToServer(inst))
		}
	}
	return servers, nil
}

func instanceToServer(inst ec2types.Instance) model.Server {
	tags := make(map[string]string, len(inst.Tags))
	for _, tag := range inst.Tags {
		tags[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
	}

	srv := model.Server{
		ID:          "srv_" + aws.ToString(inst.InstanceId),
		Name:        tags["Name"],
		Hostname:    tags["Vpn4uHostname"],
		Region:      tags["Vpn4uRegion"],
		CountryCode: tags["Vpn4uCountryCode"],
		Tier:        model.ServerTier(tags["Vpn4uTier"]),
		Protocol:    "openvpn",
		Port:        1194,
		Capacity:    1000,
		Status:      model.ServerOffline,
	}
	if srv.Hostname == "" {
		srv.Hostname = aws.ToString(inst.PublicDnsName)
	}
	if !srv.Tier.Valid() {
		srv.Tier = model.TierStandard
	}
	if raw, ok := tags["Vpn4uCapacity"]; ok {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			srv.Capacity = n
		}
	}
	if raw, ok := tags["Vpn4uPort"]; ok {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n < 65536 {
			srv.Port = n
		}
	}
	if inst.State != nil && inst.State.Name == ec2types.InstanceStateNameRunning {
		srv.Status = model.ServerOnline
	}
	return srv
}

func retryAWS(ctx context.Context, opName, region string, fn func(context.Context) error) error {
	const (
		maxAttempts = 4
		baseDelay   = 250 * time.Millisecond
		maxDelay    = 2 * time.Second
	)
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isTransientAWSError(err) {
			return err
		}
		if attempt == maxAttempts {
			metrics.Default().IncCounter("vpn4u_aws_retry_exhausted_total", map[string]string{
				"op":     opName,
				"region": region,
			})
			return err
		}
		metrics.Default().IncCounter("vpn4u_aws_retries_total", map[string]string{
			"op":     opName,
			"region": region,
			"reason": awsErrorCode(err),
		})
		delay := baseDelay * time.Duration(1<<(attempt-1))
		if delay > maxDelay {
			delay = maxDelay
		}
		delay = withJitter(delay)
		log.Printf("event=aws_retry op=%s region=%s attempt=%d delay_ms=%d err=%q", opName, region, attempt, delay.Milliseconds(), err.Error())
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

func withJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}
	floor := delay / 10
	span := delay - floor
	if span <= 0 {
		return floor
	}
	var raw [8]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return floor + (span / 2)
	}
	max := uint64(span)
	if max == 0 {
		return floor + (span / 2)
	}
	n := binary.LittleEndian.Uint64(raw[:]) % max
	// Jittered delay in [10% of base, 100% of base).
	return floor + time.Duration(n)
}

func isTransientAWSError(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "RequestLimitExceeded",
		"Throttling",
		"ThrottlingException",
		"RequestThrottled",
		"ServiceUnavailable",
		"InternalError",
		"RequestTimeout",
		"EC2ThrottledException":
		return true
	default:
		return false
	}
}

func awsErrorCode(err error) string {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return "non_api_error"
	}
	code := strings.TrimSpace(apiErr.ErrorCode())
	if code == "" {
		return "unknown"
	}
	return code
}
