package notify

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/morf-project/morf/internal/shared/logging"
)

// EmailSender is the part of the SES v2 client used to send mail.
type EmailSender interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESNotifier emails status updates to the job owner, copying the sender.
type SESNotifier struct {
	client EmailSender
	from   string
	to     string
	logger logging.Logger
}

func NewSESNotifier(cfg aws.Config, from, to string, logger logging.Logger) *SESNotifier {
	return newSESNotifier(sesv2.NewFromConfig(cfg), from, to, logger)
}

func newSESNotifier(client EmailSender, from, to string, logger logging.Logger) *SESNotifier {
	return &SESNotifier{client: client, from: from, to: to, logger: logger}
}

// Notify sends msg. Delivery errors are logged and returned; callers treat
// them as non-fatal.
func (n *SESNotifier) Notify(ctx context.Context, msg Message) error {
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(n.from),
		Destination: &types.Destination{
			ToAddresses: []string{n.to},
			CcAddresses: []string{n.from},
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject())},
				Body:    &types.Body{Text: &types.Content{Data: aws.String(msg.Body())}},
			},
		},
	}
	out, err := n.client.SendEmail(ctx, input)
	if err != nil {
		n.logger.Error("Failed to send notification", "to", n.to, "status", msg.Status, "error", err)
		return fmt.Errorf("error sending notification to %s: %w", n.to, err)
	}
	n.logger.Info("Notification sent", "to", n.to, "status", msg.Status, "message_id", aws.ToString(out.MessageId))
	return nil
}

// New picks SES when there is a recipient and the log otherwise.
func New(cfg aws.Config, from, to string, logger logging.Logger) Notifier {
	if to == "" {
		return NewLogNotifier(logger)
	}
	return NewSESNotifier(cfg, from, to, logger)
}
