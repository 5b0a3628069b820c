package reolinkfw

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
)

// FSSectionInfo names one file-system-bearing PAK section and the image
// format detected at its start.
type FSSectionInfo struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Report is the flat record a caller actually wants out of a firmware:
// everything the façade can derive, gathered into one JSON- and
// text-printable value. Field names follow the metadata dictionary's own
// vocabulary (board_type/board_name/... from dvr.xml, version_file's raw
// content) rather than inventing new ones.
type Report struct {
	Model             string `json:"display_type_info"`
	BoardType         string `json:"board_type"`
	BoardName         string `json:"board_name"`
	DetailMachineType string `json:"detail_machine_type"`
	DeviceType        string `json:"type"`

	FirmwareVersionPrefix string `json:"firmware_version_prefix"`
	VersionFile           string `json:"version_file"`
	BuildDate             string `json:"build_date"`

	Architecture    string          `json:"architecture"`
	OS              string          `json:"os"`
	KernelImageName string          `json:"kernel_image_name"`
	LinuxBanner     string          `json:"linux_banner"`
	UBootVersion    string          `json:"uboot_version"`
	UBootCompilerLD string          `json:"uboot_compiler_linker"`
	BoardVendor     string          `json:"board_vendor"`
	FDTBoardName    string          `json:"fdt_board_name"`
	Filesystems     []FSSectionInfo `json:"filesystems"`
	SHA256          string          `json:"sha256"`
	Error           string          `json:"error,omitempty"`
}

// BuildReport runs every façade accessor needed to fill out a Report. It is
// a "heavy" operation (decompression, FS dispatch, a full-source hash) and
// takes ctx accordingly; callers typically hand it off to a worker.
//
// A failure inside a required step (dispatch, metadata) aborts the report:
// BuildReport still returns a non-nil *Report, with whatever fields were
// already filled in plus Error set to the failure, alongside the error
// itself so a caller that must fail the whole run (e.g. extraction) can
// still do so. A failure inside an optional step (FDT, banner) is swallowed
// and only leaves the corresponding field empty.
func BuildReport(ctx context.Context, fw *Firmware) (*Report, error) {
	r := &Report{}

	meta, err := fw.Metadata()
	if err != nil {
		r.Error = err.Error()
		return r, err
	}
	attrs, err := parseDvrXML(meta.DvrXML)
	if err != nil {
		r.Error = err.Error()
		return r, err
	}
	r.Model = attrs.DisplayTypeInfo
	r.BoardType = attrs.BoardType
	r.BoardName = attrs.BoardName
	r.DetailMachineType = attrs.DetailMachineType
	r.DeviceType = attrs.Type
	r.FirmwareVersionPrefix = firmwareVersionPrefix(attrs, meta)
	r.VersionFile = strings.TrimSpace(string(meta.VersionFile))
	r.BuildDate = formatBuildDate(attrs.BuildDate)

	khdr, err := fw.KernelHeader()
	if err != nil {
		r.Error = err.Error()
		return r, err
	}
	r.Architecture = khdr.Arch.String()
	r.OS = khdr.OS.String()
	r.KernelImageName = khdr.Name

	if uv, err := fw.UBootVersion(); err == nil {
		r.UBootVersion = uv
	}
	if ucl, err := fw.UBootCompilerLinker(); err == nil {
		r.UBootCompilerLD = ucl
	}
	if banner, err := fw.LinuxBanner(); err == nil {
		r.LinuxBanner = banner
	}
	if vendor, err := fw.BoardVendor(); err == nil {
		r.BoardVendor = vendor
	}
	if fdtName, err := fw.BoardName(); err == nil {
		r.FDTBoardName = fdtName
	}

	fsList, err := describeFSSections(fw)
	if err != nil {
		r.Error = err.Error()
		return r, err
	}
	r.Filesystems = fsList

	sum, err := fw.SHA256OfPAK(ctx)
	if err != nil {
		r.Error = err.Error()
		return r, err
	}
	r.SHA256 = sum

	return r, nil
}

// formatBuildDate turns dvr.xml's YYMMDD build_date attribute into
// ISO-8601, matching the original tool's `datetime.strptime(..., "%y%m%d")`
// formatting. An attribute that doesn't parse is passed through unchanged
// rather than failing the whole report over a cosmetic field.
func formatBuildDate(raw string) string {
	if raw == "" {
		return ""
	}
	t, err := time.Parse("060102", raw)
	if err != nil {
		return raw
	}
	return t.Format("2006-01-02")
}

// describeFSSections detects the image format of every fs-bearing PAK
// section without fully decoding it, for the report's section list.
func describeFSSections(fw *Firmware) ([]FSSectionInfo, error) {
	var out []FSSectionInfo
	for _, sec := range fw.pak.FSSections() {
		w, err := fw.pak.Open(sec)
		if err != nil {
			return nil, err
		}
		magic, err := w.Peek(4)
		w.Close()
		if err != nil {
			return nil, wrapErr(ErrTruncated, sec.Name, err)
		}
		out = append(out, FSSectionInfo{Name: sec.Name, Type: CheckFSKind(magic).String()})
	}
	return out, nil
}

// WriteText prints the fixed-order, 21-column aligned key/value block the
// CLI's "info" subcommand shows for one PAK in non-JSON mode.
func (r *Report) WriteText(w io.Writer) {
	const width = 21
	hw := uniqueSorted([]string{r.BoardType, r.DetailMachineType, r.BoardName})
	fsTypes := uniqueSorted(fsTypeNames(r.Filesystems))
	fsNames := fsSectionNames(r.Filesystems)

	version := r.FirmwareVersionPrefix
	if r.VersionFile != "" {
		version = version + "." + r.VersionFile
	}
	uboot := r.UBootVersion
	if uboot == "" {
		uboot = "Unknown"
	}

	row := func(label, value string) {
		fmt.Fprintf(w, "%-*s %s\n", width, label, value)
	}
	row("Model:", r.Model)
	row("Hardware info:", strings.Join(hw, ", "))
	row("Device type:", r.DeviceType)
	row("Firmware version:", version)
	row("Build date:", r.BuildDate)
	row("Architecture:", r.Architecture)
	row("OS:", r.OS)
	row("Kernel image name:", r.KernelImageName)
	row("U-Boot version:", uboot)
	row("File system:", strings.Join(fsTypes, ", "))
	row("File system sections:", strings.Join(fsNames, ", "))
}

func fsTypeNames(fs []FSSectionInfo) []string {
	out := make([]string, len(fs))
	for i, f := range fs {
		out[i] = f.Type
	}
	return out
}

func fsSectionNames(fs []FSSectionInfo) []string {
	out := make([]string, len(fs))
	for i, f := range fs {
		out[i] = f.Name
	}
	return out
}

// uniqueSorted dedupes and sorts, dropping empty strings, mirroring the
// original tool's `sorted(set(...))` over its hardware-field/fs-type sets.
func uniqueSorted(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
