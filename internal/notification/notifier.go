// Package notification delivers generated billing documents to clients
// over the configured email provider.
package notification

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"

	clientdomain "github.com/mprovost129/ez360pm/internal/client/domain"
	documentdomain "github.com/mprovost129/ez360pm/internal/document/domain"
	"github.com/mprovost129/ez360pm/internal/providers/email"
	recurringdomain "github.com/mprovost129/ez360pm/internal/recurring/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrNoRecipient = errors.New("client_has_no_email")

var documentTmpl = template.Must(template.New("document").Parse(`
<p>Hello {{.ClientName}},</p>
<p>A new {{.Category}} {{if .Number}}<strong>{{.Number}}</strong> {{end}}for {{.Total}} {{.Currency}} is ready.</p>
<p>Due date: {{.DueDate}}.</p>
`))

type NotifierParam struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Provider email.Provider
}

// DocumentNotifier resolves the document's client and emails a summary.
type DocumentNotifier struct {
	db       *gorm.DB
	log      *zap.Logger
	provider email.Provider
}

func NewDocumentNotifier(p NotifierParam) recurringdomain.Notifier {
	return &DocumentNotifier{
		db:       p.DB,
		log:      p.Log.Named("notification"),
		provider: p.Provider,
	}
}

func (n *DocumentNotifier) Send(ctx context.Context, doc *documentdomain.BillingDocument) error {
	var client clientdomain.Client
	err := n.db.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", doc.ClientID, doc.TenantID).
		First(&client).Error
	if err != nil {
		return err
	}
	if client.Email == "" {
		return ErrNoRecipient
	}

	number := ""
	if doc.Number != nil {
		number = *doc.Number
	}
	var body bytes.Buffer
	if err := documentTmpl.Execute(&body, map[string]any{
		"ClientName": client.Name,
		"Category":   doc.Category,
		"Number":     number,
		"Total":      formatMinorUnits(doc.Total),
		"Currency":   doc.Currency,
		"DueDate":    doc.DueDate.Format("2006-01-02"),
	}); err != nil {
		return err
	}

	subject := fmt.Sprintf("New %s from EZ360PM", doc.Category)
	if number != "" {
		subject = fmt.Sprintf("%s %s", subject, number)
	}
	if err := n.provider.Send(ctx, []string{client.Email}, subject, body.String()); err != nil {
		return err
	}
	n.log.Info("notification.sent",
		zap.String("document_id", doc.ID.String()),
		zap.String("tenant_id", doc.TenantID.String()),
	)
	return nil
}

func formatMinorUnits(amount int64) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	return fmt.Sprintf("%s%d.%02d", sign, amount/100, amount%100)
}

var Module = fx.Module("notification",
	fx.Provide(NewDocumentNotifier),
)
