package endpoint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m-lab/scraper/internal/fault"
)

func TestNodeAndSite(t *testing.T) {
	tests := []struct {
		host string
		node string
		site string
		ok   bool
	}{
		{"mlab4.sea02.measurement-lab.org", "mlab4", "sea02", true},
		{"ndt.iupui.mlab1.nuq0t.measurement-lab.org", "mlab1", "nuq0t", true},
		{"ndt.iupui.mlab2.nuq1t.measurement-lab.org", "mlab2", "nuq1t", true},
		{"mlab0.sea02.measurement-lab.org", "", "", false},
		{"mlab1.seattle.measurement-lab.org", "", "", false},
		{"mlab1.sea02.example.com", "", "", false},
		{"measurement-lab.org", "", "", false},
		{"", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			node, site, err := NodeAndSite(tt.host)
			if !tt.ok {
				require.Error(t, err)
				assert.Equal(t, fault.LabelBadHostname, fault.Label(err))
				assert.False(t, fault.IsRecoverable(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.node, node)
			assert.Equal(t, tt.site, site)
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	e, err := New("mlab4.sea02.measurement-lab.org", 0, "ndt")
	require.NoError(t, err)
	assert.Equal(t, DefaultRsyncPort, e.Port)
	assert.Equal(t, "rsync://mlab4.sea02.measurement-lab.org:7999/ndt", e.URL())
}

func TestNew_EmptyModule(t *testing.T) {
	_, err := New("mlab4.sea02.measurement-lab.org", 7999, "")
	assert.Error(t, err)
}

func TestArchiveNaming(t *testing.T) {
	e, err := New("ndt.iupui.mlab1.acc01.measurement-lab.org", 7999, "ndt")
	require.NoError(t, err)

	min := time.Date(2015, 7, 6, 15, 0, 0, 0, time.UTC)
	assert.Equal(t, "20150706T150000Z-mlab1-acc01-ndt-0000.tgz", e.ArchiveName(min))
	assert.Equal(t, "ndt/2015/07/06/20150706T150000Z-mlab1-acc01-ndt-0000.tgz", e.ObjectKey(min))
}

func TestArchiveName_UTCNormalization(t *testing.T) {
	e, err := New("mlab1.acc01.measurement-lab.org", 7999, "sidestream")
	require.NoError(t, err)

	loc := time.FixedZone("UTC+2", 2*3600)
	min := time.Date(2017, 10, 5, 2, 0, 0, 0, loc)
	assert.Equal(t, "20171005T000000Z-mlab1-acc01-sidestream-0000.tgz", e.ArchiveName(min))
}
