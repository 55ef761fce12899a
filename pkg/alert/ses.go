package alert

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
)

const subjectPrefix = "[SalesAgent] "

type emailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESNotifier 通过 SES 给运营邮箱发纯文本告警
type SESNotifier struct {
	client emailAPI
	from   string
	to     string
}

// NewSESNotifier 凭证走 AWS 默认链（环境变量、共享配置、实例角色）
func NewSESNotifier(ctx context.Context, region, from, to string) (*SESNotifier, error) {
	if from == "" || to == "" {
		return nil, fmt.Errorf("ses from and to addresses are required")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &SESNotifier{client: sesv2.NewFromConfig(cfg), from: from, to: to}, nil
}

func (s *SESNotifier) Notify(ctx context.Context, subject, body string) error {
	_, err := s.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.from),
		Destination: &types.Destination{
			ToAddresses: []string{s.to},
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(subjectPrefix + subject)},
				Body: &types.Body{
					Text: &types.Content{Data: aws.String(body)},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("ses send alert: %w", err)
	}
	return nil
}
