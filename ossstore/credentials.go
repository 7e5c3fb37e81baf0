package ossstore

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/aliyun/aliyun-oss-go-sdk/oss"
	"github.com/aliyun/credentials-go/credentials"
)

// newAlibabaCredential prefers RRSA (OIDC role) when its variables are injected,
// otherwise falls back to the default chain (env AK, config file, instance role).
func newAlibabaCredential(region string) (credentials.Credential, error) {
	roleArn := strings.TrimSpace(os.Getenv("ALIBABA_CLOUD_ROLE_ARN"))
	providerArn := strings.TrimSpace(os.Getenv("ALIBABA_CLOUD_OIDC_PROVIDER_ARN"))
	tokenFile := strings.TrimSpace(os.Getenv("ALIBABA_CLOUD_OIDC_TOKEN_FILE"))
	if roleArn == "" || providerArn == "" || tokenFile == "" {
		return credentials.NewCredential(nil)
	}

	cfg := new(credentials.Config).
		SetType("oidc_role_arn").
		SetRoleArn(roleArn).
		SetOIDCProviderArn(providerArn).
		SetOIDCTokenFilePath(tokenFile)

	sts := strings.TrimSpace(os.Getenv("ALIBABA_CLOUD_STS_ENDPOINT"))
	if sts == "" {
		sts = "sts.aliyuncs.com"
		if region != "" {
			sts = "sts." + region + ".aliyuncs.com"
		}
	}
	cfg.SetSTSEndpoint(sts)
	return credentials.NewCredential(cfg)
}

func validateAlibabaCredential(cred credentials.Credential) error {
	if cred == nil {
		return errors.New("alibaba cloud credential not initialized")
	}
	c, err := cred.GetCredential()
	if err != nil {
		return fmt.Errorf("fetch alibaba cloud credential (check RRSA injection / STS reachability): %w", err)
	}
	if c == nil || strings.TrimSpace(deref(c.AccessKeyId)) == "" || strings.TrimSpace(deref(c.AccessKeySecret)) == "" {
		return errors.New("alibaba cloud credential is empty: RRSA variables or ALIBABA_CLOUD_ACCESS_KEY_* are missing")
	}
	return nil
}

// credentialsProvider bridges credentials-go into the OSS SDK v1 provider interface.
type credentialsProvider struct {
	cred credentials.Credential
}

type ossCred struct {
	AccessKeyId     string
	AccessKeySecret string
	SecurityToken   string
}

func (c *ossCred) GetAccessKeyID() string     { return c.AccessKeyId }
func (c *ossCred) GetAccessKeySecret() string { return c.AccessKeySecret }
func (c *ossCred) GetSecurityToken() string   { return c.SecurityToken }

func (p *credentialsProvider) GetCredentials() oss.Credentials {
	out, err := p.cred.GetCredential()
	if err != nil || out == nil {
		// the v1 interface has no error return; empty keys make the request itself fail
		return &ossCred{}
	}
	return &ossCred{
		AccessKeyId:     deref(out.AccessKeyId),
		AccessKeySecret: deref(out.AccessKeySecret),
		SecurityToken:   deref(out.SecurityToken),
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
