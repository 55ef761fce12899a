package sms

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	openapi "github.com/alibabacloud-go/darabonba-openapi/v2/client"
	openapiutil "github.com/alibabacloud-go/openapi-util/service"
	util "github.com/alibabacloud-go/tea-utils/v2/service"
	"github.com/alibabacloud-go/tea/tea"
	credential "github.com/aliyun/credentials-go/credentials"
	"go.uber.org/zap"

	"SalesAgent/pkg/logger"
)

// 短信模板只有一个变量 ${content}，超长会被运营商拆条
const maxContentRunes = 480

type AliyunClient struct {
	client       *openapi.Client
	signName     string
	templateCode string
}

// NewAliyunClient AccessKey 从 ALIBABA_CLOUD_ACCESS_KEY_ID / ALIBABA_CLOUD_ACCESS_KEY_SECRET 读取
func NewAliyunClient(signName, templateCode string) (*AliyunClient, error) {
	if signName == "" || templateCode == "" {
		return nil, fmt.Errorf("sms sign name and template code are required")
	}

	cred, err := credential.NewCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create aliyun credential: %w", err)
	}

	client, err := openapi.NewClient(&openapi.Config{
		Credential: cred,
		Endpoint:   tea.String("dysmsapi.aliyuncs.com"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create aliyun client: %w", err)
	}

	return &AliyunClient{
		client:       client,
		signName:     signName,
		templateCode: templateCode,
	}, nil
}

func (c *AliyunClient) Name() string { return "sms" }

func (c *AliyunClient) apiInfo() *openapi.Params {
	return &openapi.Params{
		Action:      tea.String("SendSms"),
		Version:     tea.String("2017-05-25"),
		Protocol:    tea.String("HTTPS"),
		Method:      tea.String("POST"),
		AuthType:    tea.String("AK"),
		Style:       tea.String("RPC"),
		Pathname:    tea.String("/"),
		ReqBodyType: tea.String("json"),
		BodyType:    tea.String("json"),
	}
}

func (c *AliyunClient) Send(ctx context.Context, phone, text string) error {
	param, err := templateParam(text)
	if err != nil {
		return err
	}

	request := &openapi.OpenApiRequest{
		Query: openapiutil.Query(map[string]interface{}{
			// 国际短信号码格式为 国家码+号码，不带 +
			"PhoneNumbers":  tea.String(strings.TrimPrefix(phone, "+")),
			"SignName":      tea.String(c.signName),
			"TemplateCode":  tea.String(c.templateCode),
			"TemplateParam": tea.String(param),
		}),
	}

	resp, err := c.client.CallApi(c.apiInfo(), request, &util.RuntimeOptions{})
	if err != nil {
		return fmt.Errorf("failed to send SMS: %w", err)
	}
	if err := checkResponse(resp); err != nil {
		logger.Logger.Warn("SMS send rejected",
			zap.String("template", c.templateCode),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func templateParam(text string) (string, error) {
	r := []rune(text)
	if len(r) > maxContentRunes {
		text = string(r[:maxContentRunes])
	}
	b, err := json.Marshal(map[string]string{"content": text})
	if err != nil {
		return "", fmt.Errorf("marshal template param: %w", err)
	}
	return string(b), nil
}

// checkResponse HTTP 200 但 body.Code != OK 也是失败
func checkResponse(resp map[string]interface{}) error {
	switch code := resp["statusCode"].(type) {
	case int:
		if code != 200 {
			return fmt.Errorf("SMS API error: statusCode=%d", code)
		}
	case *int:
		if code != nil && *code != 200 {
			return fmt.Errorf("SMS API error: statusCode=%d", *code)
		}
	}

	if resp["body"] == nil {
		return nil
	}
	bodyBytes, err := json.Marshal(resp["body"])
	if err != nil {
		return nil
	}
	var body struct {
		Code    string `json:"Code"`
		Message string `json:"Message"`
	}
	if err := json.Unmarshal(bodyBytes, &body); err != nil {
		return nil
	}
	if body.Code != "" && body.Code != "OK" {
		return fmt.Errorf("SMS send failed: %s - %s", body.Code, body.Message)
	}
	return nil
}
