package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// DefaultSalesFinalMarkdown is served when no policy document is configured.
const DefaultSalesFinalMarkdown = `## All sales are final

Every SG item is produced in limited runs. Once an order is placed it cannot be returned,
exchanged or refunded.

If your order arrives damaged or incorrect, contact support within **7 days** of delivery and
we will review it.`

// PolicyServiceDeps configures the sales-final disclosure.
type PolicyServiceDeps struct {
	SalesFinalEnabled bool
	CheckboxText      string
	Markdown          string
}

type policyService struct {
	policy SalesFinalPolicy
}

var _ PolicyService = (*policyService)(nil)

// NewPolicyService renders the policy once. The HTML is sanitized before it is ever served.
func NewPolicyService(deps PolicyServiceDeps) (PolicyService, error) {
	if deps.SalesFinalEnabled && deps.CheckboxText == "" {
		return nil, errors.New("policy service: checkbox text is required when sales-final is enabled")
	}
	source := deps.Markdown
	if strings.TrimSpace(source) == "" {
		source = DefaultSalesFinalMarkdown
	}
	rendered, err := renderPolicyMarkdown(source)
	if err != nil {
		return nil, fmt.Errorf("policy service: %w", err)
	}
	return &policyService{policy: SalesFinalPolicy{
		Enabled:      deps.SalesFinalEnabled,
		CheckboxText: deps.CheckboxText,
		HTML:         rendered,
	}}, nil
}

func (s *policyService) SalesFinal(context.Context) (SalesFinalPolicy, error) {
	return s.policy, nil
}

func renderPolicyMarkdown(source string) (string, error) {
	md := goldmark.New(goldmark.WithExtensions(extension.Table, extension.Linkify))
	var buf bytes.Buffer
	if err := md.Convert([]byte(source), &buf); err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	return newPolicyHTMLPolicy().Sanitize(buf.String()), nil
}

func newPolicyHTMLPolicy() *bluemonday.Policy {
	policy := bluemonday.UGCPolicy()
	policy.RequireNoFollowOnLinks(true)
	return policy
}
