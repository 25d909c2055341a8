// Package aws provides an AWS SQS queue driver for dequeueflow.
package aws

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"
	smithyendpoints "github.com/aws/smithy-go/endpoints"

	"github.com/drblury/dequeueflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "aws"

const (
	localstackAccountID = "000000000000"
	awsAccountIDLength  = 12
)

// Message attribute names carrying message fields through SQS.
const (
	AttributeLabel         = "dequeueflow-label"
	AttributeCorrelationID = "dequeueflow-correlation-id"
	AttributeRecoverable   = "dequeueflow-recoverable"
	AttributeEncoding      = "dequeueflow-encoding"

	encodingBase64 = "base64"
)

// DefaultPollInterval is the pause between short polls when less than one
// second of the receive timeout remains.
const DefaultPollInterval = 100 * time.Millisecond

// API is the subset of the SQS client used by the driver.
type API interface {
	GetQueueUrl(ctx context.Context, params *amazonsqs.GetQueueUrlInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.GetQueueUrlOutput, error)
	ReceiveMessage(ctx context.Context, params *amazonsqs.ReceiveMessageInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.ReceiveMessageOutput, error)
	SendMessage(ctx context.Context, params *amazonsqs.SendMessageInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.SendMessageOutput, error)
	DeleteMessage(ctx context.Context, params *amazonsqs.DeleteMessageInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *amazonsqs.ChangeMessageVisibilityInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.ChangeMessageVisibilityOutput, error)
	GetQueueAttributes(ctx context.Context, params *amazonsqs.GetQueueAttributesInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.GetQueueAttributesOutput, error)
}

// DefaultConfigLoader allows overriding the AWS config loader for testing.
var DefaultConfigLoader = awsconfig.LoadDefaultConfig

// ClientFactory allows overriding the SQS client creation for testing.
var ClientFactory = func(cfg aws.Config, optFns ...func(*amazonsqs.Options)) API {
	return amazonsqs.NewFromConfig(cfg, optFns...)
}

func init() {
	transport.Register(TransportName, Build, transport.AWSCapabilities)
}

// Build creates a new SQS driver.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Driver, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	awsCfg, err := createAWSConfig(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("Created AWS config", watermill.LogFields{
		"region":          safeAWSRegion(awsCfg),
		"custom_endpoint": hasCustomEndpoint(awsCfg),
	})

	sqsOpts, err := endpointOptions(cfg, awsCfg)
	if err != nil {
		return nil, err
	}

	accountID, _ := resolveAccountAndRegion(cfg, logger, safeAWSRegion(awsCfg))
	return New(ClientFactory(*awsCfg, sqsOpts...), Config{AccountID: accountID}, logger), nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.AWSCapabilities
}

// Config holds SQS-specific configuration.
type Config struct {
	// AccountID is the owner of queues addressed by name.
	AccountID string
	// PollInterval is the pause between short polls.
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	return c
}

// Driver is an SQS queue driver. Queue paths are queue names or full queue
// URLs. SQS has no transactions, so the driver emulates them.
type Driver struct {
	client API
	config Config
	logger watermill.LoggerAdapter

	mu     sync.Mutex
	urls   map[string]string
	closed bool
}

// New returns a driver using client.
func New(client API, cfg Config, logger watermill.LoggerAdapter) *Driver {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Driver{
		client: client,
		config: cfg.withDefaults(),
		logger: logger,
		urls:   make(map[string]string),
	}
}

func (d *Driver) queueURL(ctx context.Context, path string) (string, error) {
	if strings.HasPrefix(path, "https://") || strings.HasPrefix(path, "http://") {
		return path, nil
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return "", transport.ErrClosed
	}
	queueURL, ok := d.urls[path]
	d.mu.Unlock()
	if ok {
		return queueURL, nil
	}

	input := &amazonsqs.GetQueueUrlInput{QueueName: aws.String(path)}
	if d.config.AccountID != "" {
		input.QueueOwnerAWSAccountId = aws.String(d.config.AccountID)
	}
	out, err := d.client.GetQueueUrl(ctx, input)
	if err != nil {
		return "", fmt.Errorf("aws: resolve queue %q: %w", path, classify(path, err))
	}
	queueURL = aws.ToString(out.QueueUrl)

	d.mu.Lock()
	d.urls[path] = queueURL
	d.mu.Unlock()
	return queueURL, nil
}

// Open resolves the queue URL of path.
func (d *Driver) Open(ctx context.Context, path string) (transport.Queue, error) {
	if path == "" {
		return nil, fmt.Errorf("aws: queue path is required")
	}
	queueURL, err := d.queueURL(ctx, path)
	if err != nil {
		return nil, err
	}
	return &queue{driver: d, path: path, url: queueURL}, nil
}

// NewTransaction returns an emulated transaction. Received messages are
// deleted on commit and made visible again on rollback; sends are issued on
// commit.
func (d *Driver) NewTransaction() (transport.Transaction, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, transport.ErrClosed
	}
	return &Tx{driver: d}, nil
}

// Capabilities reports the driver capabilities.
func (d *Driver) Capabilities() transport.Capabilities {
	return transport.AWSCapabilities
}

// Depth returns the approximate number of visible messages on path.
func (d *Driver) Depth(ctx context.Context, path string) (int64, error) {
	queueURL, err := d.queueURL(ctx, path)
	if err != nil {
		return 0, err
	}
	out, err := d.client.GetQueueAttributes(ctx, &amazonsqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(queueURL),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameApproximateNumberOfMessages},
	})
	if err != nil {
		return 0, classify(path, err)
	}
	raw := out.Attributes[string(types.QueueAttributeNameApproximateNumberOfMessages)]
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

// Close marks the driver closed. The SQS client holds no connection.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *Driver) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *Driver) deleteMessage(ctx context.Context, queueURL, receipt string) error {
	_, err := d.client.DeleteMessage(ctx, &amazonsqs.DeleteMessageInput{
		QueueUrl:      aws.String(queueURL),
		ReceiptHandle: aws.String(receipt),
	})
	return err
}

func (d *Driver) send(ctx context.Context, queueURL string, msg *transport.Message) error {
	_, err := d.client.SendMessage(ctx, &amazonsqs.SendMessageInput{
		QueueUrl:          aws.String(queueURL),
		MessageBody:       aws.String(base64.StdEncoding.EncodeToString(msg.Body)),
		MessageAttributes: toAttributes(msg),
	})
	return err
}

type queue struct {
	driver *Driver
	path   string
	url    string

	mu     sync.Mutex
	closed bool
}

func (q *queue) Path() string { return q.path }

func (q *queue) checkOpen() error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed || q.driver.isClosed() {
		return transport.ErrClosed
	}
	return nil
}

// Receive long-polls SQS in waits of at most 20 seconds until a message
// arrives or the deadline passes.
func (q *queue) Receive(ctx context.Context, timeout time.Duration, tx transport.Transaction) (*transport.Message, error) {
	if err := q.checkOpen(); err != nil {
		return nil, err
	}
	sqsTx, err := asTx(tx)
	if err != nil {
		return nil, err
	}

	maxWait := transport.AWSCapabilities.MaxReceiveWait
	deadline := transport.Deadline(ctx, timeout)
	for {
		remaining := time.Until(deadline)
		wait := int32(min(remaining, maxWait) / time.Second)
		if wait < 0 {
			wait = 0
		}
		out, err := q.driver.client.ReceiveMessage(ctx, &amazonsqs.ReceiveMessageInput{
			QueueUrl:              aws.String(q.url),
			MaxNumberOfMessages:   1,
			WaitTimeSeconds:       wait,
			MessageAttributeNames: []string{"All"},
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, classify(q.path, err)
		}

		if len(out.Messages) > 0 {
			received := out.Messages[0]
			msg, err := fromSQS(received)
			if err != nil {
				return nil, err
			}
			receipt := aws.ToString(received.ReceiptHandle)
			if sqsTx != nil {
				sqsTx.track(q.url, receipt)
			} else if err := q.driver.deleteMessage(ctx, q.url, receipt); err != nil {
				return nil, classify(q.path, err)
			}
			return msg, nil
		}

		remaining = time.Until(deadline)
		if remaining <= 0 {
			return nil, transport.ErrTimeout
		}
		if wait == 0 {
			timer := time.NewTimer(min(q.driver.config.PollInterval, remaining))
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
	}
}

func (q *queue) Send(ctx context.Context, msg *transport.Message, tx transport.Transaction) error {
	if err := q.checkOpen(); err != nil {
		return err
	}
	if msg == nil {
		return fmt.Errorf("aws: message is required")
	}
	sqsTx, err := asTx(tx)
	if err != nil {
		return err
	}
	if sqsTx != nil {
		sqsTx.buffer(q.path, q.url, msg.Clone())
		return nil
	}
	return classify(q.path, q.driver.send(ctx, q.url, msg))
}

func (q *queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

type pendingReceive struct {
	url     string
	receipt string
}

type pendingSend struct {
	path string
	url  string
	msg  *transport.Message
}

// Tx is the emulated transaction of the SQS driver.
type Tx struct {
	driver *Driver

	mu       sync.Mutex
	active   bool
	done     bool
	received []pendingReceive
	sends    []pendingSend
}

func asTx(tx transport.Transaction) (*Tx, error) {
	if tx == nil {
		return nil, nil
	}
	sqsTx, ok := tx.(*Tx)
	if !ok {
		return nil, fmt.Errorf("aws: foreign transaction type %T", tx)
	}
	sqsTx.mu.Lock()
	defer sqsTx.mu.Unlock()
	if !sqsTx.active {
		return nil, fmt.Errorf("aws: transaction is not active")
	}
	return sqsTx, nil
}

func (t *Tx) track(queueURL, receipt string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.received = append(t.received, pendingReceive{url: queueURL, receipt: receipt})
}

func (t *Tx) buffer(path, queueURL string, msg *transport.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sends = append(t.sends, pendingSend{path: path, url: queueURL, msg: msg})
}

// Begin starts the transaction.
func (t *Tx) Begin(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active || t.done {
		return fmt.Errorf("aws: transaction already started")
	}
	t.active = true
	return nil
}

// Commit issues buffered sends, then deletes received messages. A failure
// after the first send leaves the received messages to reappear once their
// visibility timeout expires.
func (t *Tx) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		return fmt.Errorf("aws: transaction is not active")
	}
	t.active = false
	t.done = true

	for _, s := range t.sends {
		if err := t.driver.send(ctx, s.url, s.msg); err != nil {
			return fmt.Errorf("aws: commit send to %q: %w", s.path, classify(s.path, err))
		}
	}
	t.sends = nil

	var errs []error
	for _, r := range t.received {
		if err := t.driver.deleteMessage(ctx, r.url, r.receipt); err != nil {
			errs = append(errs, fmt.Errorf("aws: commit delete: %w", err))
		}
	}
	t.received = nil
	return errors.Join(errs...)
}

// Close rolls back an uncommitted transaction: buffered sends are dropped and
// received messages become visible again immediately.
func (t *Tx) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active = false
	t.done = true
	t.sends = nil

	var errs []error
	for _, r := range t.received {
		_, err := t.driver.client.ChangeMessageVisibility(context.Background(), &amazonsqs.ChangeMessageVisibilityInput{
			QueueUrl:          aws.String(r.url),
			ReceiptHandle:     aws.String(r.receipt),
			VisibilityTimeout: 0,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("aws: release message: %w", err))
		}
	}
	t.received = nil
	return errors.Join(errs...)
}

func stringAttribute(value string) types.MessageAttributeValue {
	return types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(value)}
}

// toAttributes encodes message fields as attributes. SQS rejects empty
// attribute values, so empty fields are omitted.
func toAttributes(msg *transport.Message) map[string]types.MessageAttributeValue {
	attrs := map[string]types.MessageAttributeValue{
		AttributeEncoding:    stringAttribute(encodingBase64),
		AttributeRecoverable: stringAttribute(strconv.FormatBool(msg.Recoverable)),
	}
	if msg.Label != "" {
		attrs[AttributeLabel] = stringAttribute(msg.Label)
	}
	if msg.CorrelationID != "" {
		attrs[AttributeCorrelationID] = stringAttribute(msg.CorrelationID)
	}
	return attrs
}

func fromSQS(m types.Message) (*transport.Message, error) {
	attr := func(name string) string {
		if v, ok := m.MessageAttributes[name]; ok {
			return aws.ToString(v.StringValue)
		}
		return ""
	}

	body := []byte(aws.ToString(m.Body))
	if attr(AttributeEncoding) == encodingBase64 {
		decoded, err := base64.StdEncoding.DecodeString(aws.ToString(m.Body))
		if err != nil {
			return nil, fmt.Errorf("aws: decode body of %s: %w", aws.ToString(m.MessageId), err)
		}
		body = decoded
	}
	recoverable, _ := strconv.ParseBool(attr(AttributeRecoverable))

	return &transport.Message{
		ID:            aws.ToString(m.MessageId),
		Label:         attr(AttributeLabel),
		CorrelationID: attr(AttributeCorrelationID),
		Body:          body,
		Recoverable:   recoverable,
	}, nil
}

// classify maps IAM and credential failures to *transport.AccessDeniedError.
func classify(path string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	code := apiErr.ErrorCode()
	switch {
	case strings.Contains(code, "AccessDenied"),
		code == "InvalidClientTokenId",
		code == "UnrecognizedClientException",
		code == "SignatureDoesNotMatch":
		return &transport.AccessDeniedError{Path: path, Err: err}
	}
	return err
}

func createAWSConfig(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (*aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error

	if cfg != nil {
		region := cfg.GetAWSRegion()
		accessKey := cfg.GetAWSAccessKeyID()
		secretKey := cfg.GetAWSSecretAccessKey()

		if region != "" {
			logger.Info("Setting AWS region from config", watermill.LogFields{"region": region})
			opts = append(opts, awsconfig.WithRegion(region))
		}
		if accessKey != "" && secretKey != "" {
			logger.Info("Using static AWS credentials from config", watermill.LogFields{})
			opts = append(opts, awsconfig.WithCredentialsProvider(staticCredentialsProvider(accessKey, secretKey)))
		}
	}

	awsCfg, err := DefaultConfigLoader(ctx, opts...)
	if err != nil {
		fields := watermill.LogFields{}
		if cfg != nil && cfg.GetAWSRegion() != "" {
			fields["requested_region"] = cfg.GetAWSRegion()
		}
		logger.Error("Failed to load AWS default config", err, fields)
		return nil, err
	}

	// the loader may ignore WithRegion when a profile sets one
	if cfg != nil && cfg.GetAWSRegion() != "" {
		awsCfg.Region = cfg.GetAWSRegion()
	}
	if endpoint, err := awsEndpointURL(cfg); err != nil {
		return nil, err
	} else if endpoint != nil {
		awsCfg.BaseEndpoint = aws.String(endpoint.String())
	}

	return &awsCfg, nil
}

func endpointOptions(cfg transport.Config, awsCfg *aws.Config) ([]func(*amazonsqs.Options), error) {
	if !hasCustomEndpoint(awsCfg) {
		return nil, nil
	}
	parsedURL, err := url.Parse(*awsCfg.BaseEndpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to parse BaseEndpoint: %w", err)
	}
	return []func(*amazonsqs.Options){
		amazonsqs.WithEndpointResolverV2(sqs.OverrideEndpointResolver{
			Endpoint: smithyendpoints.Endpoint{
				URI: *parsedURL,
			},
		}),
	}, nil
}

func resolveAccountAndRegion(cfg transport.Config, logger watermill.LoggerAdapter, fallbackRegion string) (string, string) {
	if cfg == nil {
		return "", fallbackRegion
	}

	accountID := strings.Trim(cfg.GetAWSAccountID(), "\"' ")
	region := cfg.GetAWSRegion()
	if region == "" {
		region = fallbackRegion
	}

	if accountID == "" && useLocalstackEndpoint(cfg) {
		accountID = localstackAccountID
		logger.Info("AWS account ID empty; using LocalStack default", watermill.LogFields{"accountID": accountID})
		return accountID, region
	}

	if accountID != "" && len(accountID) != awsAccountIDLength && useLocalstackEndpoint(cfg) {
		logger.Info("Invalid AWS account ID; falling back to LocalStack default", watermill.LogFields{"accountID": accountID})
		accountID = localstackAccountID
	}

	return accountID, region
}

func useLocalstackEndpoint(cfg transport.Config) bool {
	return cfg != nil && cfg.GetAWSEndpoint() != ""
}

func awsEndpointURL(cfg transport.Config) (*url.URL, error) {
	if cfg == nil || cfg.GetAWSEndpoint() == "" {
		return nil, nil
	}

	parsedURL, err := url.Parse(cfg.GetAWSEndpoint())
	if err != nil {
		return nil, fmt.Errorf("failed to parse AWS endpoint: %w", err)
	}
	return parsedURL, nil
}

func safeAWSRegion(cfg *aws.Config) string {
	if cfg == nil {
		return ""
	}
	return cfg.Region
}

func hasCustomEndpoint(cfg *aws.Config) bool {
	return cfg != nil && cfg.BaseEndpoint != nil && *cfg.BaseEndpoint != ""
}

func staticCredentialsProvider(accessKeyID, secretAccessKey string) aws.CredentialsProvider {
	return aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
		return aws.Credentials{
			AccessKeyID:     accessKeyID,
			SecretAccessKey: secretAccessKey,
		}, nil
	})
}
