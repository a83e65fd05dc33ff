package urls

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/risehq/rise/pkg/types"
)

func testCalculator() *Calculator {
	return NewCalculator(Config{
		ProductionTemplate: "https://{project}.apps.rise.test",
		StagingTemplate:    "https://{project}--{group}.apps.rise.test",
	})
}

func TestResolve(t *testing.T) {
	project := &types.Project{ID: uuid.New(), Name: "shop"}

	tests := []struct {
		name        string
		group       string
		domains     []types.CustomDomain
		wantDefault string
		wantPrimary string
		wantCustom  []string
	}{
		{
			name:        "default group no domains",
			group:       "default",
			wantDefault: "https://shop.apps.rise.test",
			wantPrimary: "https://shop.apps.rise.test",
		},
		{
			name:        "staging group",
			group:       "preview/1",
			wantDefault: "https://shop--preview-1.apps.rise.test",
			wantPrimary: "https://shop--preview-1.apps.rise.test",
		},
		{
			name:  "custom domains on default group",
			group: "default",
			domains: []types.CustomDomain{
				{Domain: "shop.example.com", Verified: true},
				{Domain: "www.shop.example.com", Verified: true, IsPrimary: true},
				{Domain: "unverified.example.com", Verified: false},
			},
			wantDefault: "https://shop.apps.rise.test",
			wantPrimary: "https://www.shop.example.com",
			wantCustom:  []string{"https://shop.example.com", "https://www.shop.example.com"},
		},
		{
			name:  "custom domains ignored off default group",
			group: "staging",
			domains: []types.CustomDomain{
				{Domain: "shop.example.com", Verified: true, IsPrimary: true},
			},
			wantDefault: "https://shop--staging.apps.rise.test",
			wantPrimary: "https://shop--staging.apps.rise.test",
		},
	}

	calc := testCalculator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := calc.Resolve(project, tt.group, tt.domains)
			assert.Equal(t, tt.wantDefault, got.DefaultURL)
			assert.Equal(t, tt.wantPrimary, got.PrimaryURL)
			assert.Equal(t, tt.wantCustom, got.CustomDomainURLs)
		})
	}
}

func TestSanitizeGroup(t *testing.T) {
	assert.Equal(t, "default", SanitizeGroup("default"))
	assert.Equal(t, "preview-1", SanitizeGroup("preview/1"))
	assert.Equal(t, "feature-x-y", SanitizeGroup("Feature/X_y"))
	assert.Equal(t, "a-b", SanitizeGroup("-a//b-"))
}

func TestHosts(t *testing.T) {
	project := &types.Project{ID: uuid.New(), Name: "shop"}
	got := testCalculator().Resolve(project, "default", []types.CustomDomain{
		{Domain: "www.shop.example.com", Verified: true, IsPrimary: true},
	})
	hosts := Hosts(got)
	require.Equal(t, []string{"www.shop.example.com", "shop.apps.rise.test"}, hosts)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, Config{
		ProductionTemplate: "https://{project}.x",
		StagingTemplate:    "https://{project}--{group}.x",
	}.Validate())
	assert.Error(t, Config{StagingTemplate: "https://{project}--{group}.x"}.Validate())
	assert.Error(t, Config{ProductionTemplate: "https://{project}.x", StagingTemplate: "https://{project}.x"}.Validate())
}
