package publisher

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	appconfig "depthsync/config"
	"depthsync/logger"
	"depthsync/models"
)

type putMetricDataAPI interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchSink publishes best bid, best ask and spread as custom metrics.
type CloudWatchSink struct {
	client    putMetricDataAPI
	namespace string
	log       *logger.Log
}

func NewCloudWatchSink(ctx context.Context, cfg appconfig.CloudWatchConfig, log *logger.Log) (*CloudWatchSink, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS configuration: %w", err)
	}

	log.WithComponent("cloudwatch_sink").WithFields(logger.Fields{
		"region":    awsCfg.Region,
		"namespace": cfg.Namespace,
	}).Info("initialized CloudWatch client")

	return &CloudWatchSink{
		client:    cloudwatch.NewFromConfig(awsCfg),
		namespace: cfg.Namespace,
		log:       log,
	}, nil
}

func (c *CloudWatchSink) Name() string { return "cloudwatch" }

func (c *CloudWatchSink) Publish(ctx context.Context, tob models.TopOfBook) error {
	data := metricData(tob)
	if len(data) == 0 {
		return nil
	}
	if _, err := c.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(c.namespace),
		MetricData: data,
	}); err != nil {
		return fmt.Errorf("put metric data: %w", err)
	}
	c.log.WithComponent("cloudwatch_sink").WithField("metrics", len(data)).Debug("published metrics to CloudWatch")
	return nil
}

// metricData skips empty sides; the spread needs both.
func metricData(tob models.TopOfBook) []cwtypes.MetricDatum {
	dims := []cwtypes.Dimension{{Name: aws.String("Symbol"), Value: aws.String(tob.Symbol)}}
	datum := func(name string, v float64) cwtypes.MetricDatum {
		return cwtypes.MetricDatum{
			MetricName: aws.String(name),
			Dimensions: dims,
			Timestamp:  aws.Time(tob.Timestamp),
			Unit:       cwtypes.StandardUnitNone,
			Value:      aws.Float64(v),
		}
	}

	var out []cwtypes.MetricDatum
	if !tob.Bid.IsEmpty() {
		out = append(out, datum("BestBid", tob.Bid.Price.InexactFloat64()))
	}
	if !tob.Ask.IsEmpty() {
		out = append(out, datum("BestAsk", tob.Ask.Price.InexactFloat64()))
	}
	if !tob.Bid.IsEmpty() && !tob.Ask.IsEmpty() {
		out = append(out, datum("Spread", tob.Ask.Price.Sub(tob.Bid.Price).InexactFloat64()))
	}
	return out
}
