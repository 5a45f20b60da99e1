package backend

import (
	"strings"
	"testing"
	"time"

	"dagrunner/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSlurmAck(t *testing.T) {
	tests := []struct {
		name    string
		out     string
		want    string
		wantErr bool
	}{
		{"plain", "Submitted Batch Session 4242\n", "4242", false},
		{"surrounding blank lines", "\n\nSubmitted Batch Session 7\n\n", "7", false},
		{"empty output", "", "", true},
		{"unknown format", "Job accepted: 12\n", "", true},
		{"zero id", "Submitted Batch Session 0\n", "", true},
		{"negative id", "Submitted Batch Session -3\n", "", true},
		{"not a number", "Submitted Batch Session abc\n", "", true},
		{"missing id", "Submitted Batch Session \n", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseSlurmAck([]byte(tt.out))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseSacct(t *testing.T) {
	const header = "JobID|JobName|Partition|Account|AllocCPUS|State|ExitCode|\n"

	tests := []struct {
		name    string
		out     string
		want    models.TaskStatus
		wantErr bool
	}{
		{"completed", header + "12|drctl.sh|large|p|4|COMPLETED|0:0|\n", models.StatusCompleted, false},
		{"running", header + "12|drctl.sh|large|p|4|RUNNING|0:0|\n", models.StatusRunning, false},
		{"pending", header + "12|drctl.sh|large|p|4|PENDING|0:0|\n", models.StatusRunning, false},
		{"suspended", header + "12|drctl.sh|large|p|4|SUSPENDED|0:0|\n", models.StatusRunning, false},
		{"failed", header + "12|drctl.sh|large|p|4|FAILED|1:0|\n", models.StatusError, false},
		{"timeout", header + "12|drctl.sh|large|p|4|TIMEOUT|0:1|\n", models.StatusError, false},
		{"node fail", header + "12|drctl.sh|large|p|4|NODE_FAIL|0:0|\n", models.StatusError, false},
		{"cancelled by user", header + "12|drctl.sh|large|p|4|CANCELLED by 1000|0:15|\n", models.StatusError, false},
		{"job steps are ignored", header + "12.batch|batch||p|4|FAILED|1:0|\n12|drctl.sh|large|p|4|COMPLETED|0:0|\n", models.StatusCompleted, false},
		{"not accounted yet", header, models.StatusRunning, false},
		{"unknown state", header + "12|drctl.sh|large|p|4|EXPLODED|0:0|\n", "", true},
		{"too few columns", header + "12|drctl.sh|COMPLETED\n", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseSacct([]byte(tt.out), "12")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseSGEAck(t *testing.T) {
	tests := []struct {
		name    string
		out     string
		want    string
		wantErr bool
	}{
		{"plain", `Your job 318 ("n4") has been submitted` + "\n", "318", false},
		{"name with spaces", `Your job 9 ("my job") has been submitted` + "\n", "9", false},
		{"empty", "", "", true},
		{"unknown format", "Job 9 queued\n", "", true},
		{"zero id", `Your job 0 ("n4") has been submitted` + "\n", "", true},
		{"not a number", `Your job x1 ("n4") has been submitted` + "\n", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseSGEAck([]byte(tt.out))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestQstatKnows(t *testing.T) {
	out := []byte("==============================\njob_number:                 318\nexec_file: job_scripts/318\n")

	assert.True(t, qstatKnows(out, "318"))
	assert.False(t, qstatKnows(out, "31"))
	assert.False(t, qstatKnows([]byte("Following jobs do not exist:\n318\n"), "318"))
}

func TestParseQacct(t *testing.T) {
	tests := []struct {
		name    string
		out     string
		want    models.TaskStatus
		wantErr bool
	}{
		{"success", "qname all.q\nfailed 0\nexit_status 0\n", models.StatusCompleted, false},
		{"exit status", "failed 0\nexit_status 2\n", models.StatusError, false},
		{"failed", "failed 100 : assumedly after job\nexit_status 0\n", models.StatusError, false},
		{"any rerun failure wins", "exit_status 0\nexit_status 137\n", models.StatusError, false},
		{"unknown job", "error: job id 318 not found\n", "", true},
		{"malformed value", "exit_status oops\n", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseQacct([]byte(tt.out))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCountProcessors(t *testing.T) {
	tests := []struct {
		script string
		want   int
	}{
		{"echo hello", 1},
		{"bwa mem -t 8 ref.fa reads.fq", 8},
		{"samtools sort -@4 in.bam\nbwa mem -t 2 ref.fa", 4},
		{"tool --threads=16 x", 16},
		{"tool --cpus 0", 1},
		{"sort -t , -k 2 file", 1},
	}

	for _, tt := range tests {
		t.Run(tt.script, func(t *testing.T) {
			assert.Equal(t, tt.want, countProcessors(tt.script))
		})
	}
}

func TestWrapperScript(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)

	t.Run("user directives win over generated ones", func(t *testing.T) {
		w := newWrapperScript("#$", "/data/build", "#!/bin/sh\n#$ -N custom\necho hi\n")
		w.addDefault("-N", "n3")
		w.addDefault("-cwd", "")
		w.addDefault("-S", "/bin/bash")

		assert.Equal(t, strings.Join([]string{
			"#!/bin/bash",
			"#$ -N custom",
			"#$ -cwd",
			"#$ -S /bin/bash",
			"# Generated by drctl 2024-03-01 12:30:00",
			"set -eu",
			"cd '/data/build'",
			"echo hi",
			"",
		}, "\n"), w.render(now))
		assert.True(t, w.hasFlag("-N"))
		assert.False(t, w.hasFlag("-o"))
	})

	t.Run("base dir is quoted", func(t *testing.T) {
		w := newWrapperScript("#MSUB", "/it's here", "true")
		assert.Contains(t, w.render(now), `cd '/it'\''s here'`)
	})
}
