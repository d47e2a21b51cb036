package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oduwsdl/MementoEmbed/lib/thumbnail"
)

func writeBatch(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jobs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadBatch(t *testing.T) {
	path := writeBatch(t, `
jobs:
  - urim: https://web.archive.org/web/20180812223303/https://www.cnn.com/
    output: out/cnn.png
    remove_banner: true
  - urim: https://web.archive.org/web/20200101000000/https://example.com/
    output: example.png
    viewport_width: 1280
    viewport_height: 720
    user_agent: batch-agent
`)

	b, err := loadBatch(path)
	require.NoError(t, err)
	require.Len(t, b.Jobs, 2)

	assert.Equal(t, "https://web.archive.org/web/20180812223303/https://www.cnn.com/", b.Jobs[0].URIM)
	assert.Equal(t, "out/cnn.png", b.Jobs[0].Output)
	require.NotNil(t, b.Jobs[0].RemoveBanner)
	assert.True(t, *b.Jobs[0].RemoveBanner)
	assert.False(t, b.Jobs[0].Request.RemoveBanner, "remove_banner decodes into the job override")
	assert.Zero(t, b.Jobs[0].ViewportWidth)

	assert.Equal(t, 1280, b.Jobs[1].ViewportWidth)
	assert.Equal(t, 720, b.Jobs[1].ViewportHeight)
	assert.Equal(t, "batch-agent", b.Jobs[1].UserAgent)
	assert.Nil(t, b.Jobs[1].RemoveBanner)
}

func TestJob_Request(t *testing.T) {
	defaults := thumbnail.Request{
		ViewportWidth:  1600,
		ViewportHeight: 900,
		UserAgent:      "env-agent",
		RemoveBanner:   true,
	}
	no := false
	urim := "https://web.archive.org/web/20180812223303/https://www.cnn.com/"

	testCases := []struct {
		name string
		job  Job
		want thumbnail.Request
	}{
		{
			name: "empty job takes every default",
			job:  Job{Request: thumbnail.Request{URIM: urim}},
			want: thumbnail.Request{URIM: urim, ViewportWidth: 1600, ViewportHeight: 900, UserAgent: "env-agent", RemoveBanner: true},
		},
		{
			name: "one viewport dimension keeps the other from the environment",
			job:  Job{Request: thumbnail.Request{URIM: urim, ViewportWidth: 800}},
			want: thumbnail.Request{URIM: urim, ViewportWidth: 800, ViewportHeight: 900, UserAgent: "env-agent", RemoveBanner: true},
		},
		{
			name: "explicit banner override",
			job:  Job{Request: thumbnail.Request{URIM: urim, ViewportHeight: 600, UserAgent: "job-agent"}, RemoveBanner: &no},
			want: thumbnail.Request{URIM: urim, ViewportWidth: 1600, ViewportHeight: 600, UserAgent: "job-agent", RemoveBanner: false},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.job.request(defaults))
		})
	}
}

func TestLoadBatch_BannerFallsBackToEnvironment(t *testing.T) {
	b, err := loadBatch(writeBatch(t, `
jobs:
  - urim: https://web.archive.org/web/20180812223303/https://www.cnn.com/
  - urim: https://web.archive.org/web/20180812223303/https://www.cnn.com/
    remove_banner: false
`))
	require.NoError(t, err)
	defaults := thumbnail.Request{ViewportWidth: 1024, ViewportHeight: 768, RemoveBanner: true}

	assert.True(t, b.Jobs[0].request(defaults).RemoveBanner)
	assert.False(t, b.Jobs[1].request(defaults).RemoveBanner)
}

func TestLoadBatch_Errors(t *testing.T) {
	_, err := loadBatch(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = loadBatch(writeBatch(t, "jobs: [this is: not: valid"))
	assert.Error(t, err)

	_, err = loadBatch(writeBatch(t, "jobs:\n  - output: x.png\n"))
	assert.ErrorContains(t, err, "no urim")
}
