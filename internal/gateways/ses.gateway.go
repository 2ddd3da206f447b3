package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"
	"github.com/nimasrn/email-gateway/pkg/logger"
)

const DriverSES = "ses"

type SESConfig struct {
	Region           string
	AccessKey        string
	SecretKey        string
	ConfigurationSet string
}

// sesAPI is the slice of the SES v2 client the sender calls.
type sesAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

type SESSender struct {
	client           sesAPI
	configurationSet string
}

// NewSESSender builds a client from static credentials when given, else
// from the default AWS credential chain.
func NewSESSender(ctx context.Context, cfg SESConfig) (*SESSender, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	return &SESSender{
		client:           sesv2.NewFromConfig(awsCfg),
		configurationSet: cfg.ConfigurationSet,
	}, nil
}

func (s *SESSender) Name() string {
	return DriverSES
}

// Send submits the MIME rendering of req so attachments and cc survive.
func (s *SESSender) Send(ctx context.Context, req *SendRequest) (*SendResult, error) {
	if err := Validate(req); err != nil {
		return nil, Permanent(DriverSES, 0, err)
	}

	raw, err := renderRaw(req)
	if err != nil {
		return nil, Permanent(DriverSES, 0, fmt.Errorf("rendering message: %w", err))
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(req.From),
		Destination: &types.Destination{
			ToAddresses:  req.To,
			CcAddresses:  req.Cc,
			BccAddresses: req.Bcc,
		},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{Data: raw},
		},
		EmailTags: []types.MessageTag{
			{Name: aws.String("email_id"), Value: aws.String(req.MessageID)},
		},
	}
	if s.configurationSet != "" {
		input.ConfigurationSetName = aws.String(s.configurationSet)
	}

	start := time.Now()
	out, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return nil, classifySES(err)
	}

	messageID := aws.ToString(out.MessageId)
	logger.Debug("email accepted by ses", "message_id", req.MessageID, "ses_id", messageID, "latency", time.Since(start))

	return &SendResult{
		MessageID: messageID,
		Accepted:  req.Recipients(),
	}, nil
}

// sesPermanent lists API error codes that will fail the same way on retry.
var sesPermanent = map[string]bool{
	"MessageRejected":                    true,
	"MailFromDomainNotVerifiedException": true,
	"AccountSuspendedException":          true,
	"SendingPausedException":             true,
	"NotFoundException":                  true,
	"BadRequestException":                true,
}

func classifySES(err error) error {
	if isTimeout(err) {
		return Temporary(DriverSES, 0, err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && sesPermanent[apiErr.ErrorCode()] {
		return Permanent(DriverSES, 0, err)
	}
	return Temporary(DriverSES, 0, err)
}
