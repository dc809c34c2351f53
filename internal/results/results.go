// Package results translates a completed run directory into structured
// result records. Parsing is deterministic and tolerant: absent files are
// skipped silently, structurally broken files are skipped with a warning in
// ParseWarnings, and the rest of the record is still returned. Per-tool
// extraction is a table of specs iterated uniformly rather than one ad-hoc
// function per tool.
package results

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Gene is one detected resistance (or virulence/plasmid) gene call.
type Gene struct {
	Gene        string   `json:"gene"`
	Tool        string   `json:"tool"`
	ElementType string   `json:"element_type,omitempty"`
	Class       string   `json:"class,omitempty"`
	Method      string   `json:"method,omitempty"`
	Product     string   `json:"product,omitempty"`
	Resistance  string   `json:"resistance,omitempty"`
	Contig      string   `json:"contig,omitempty"`
	DrugClass   string   `json:"drug_class,omitempty"`
	Mechanism   string   `json:"mechanism,omitempty"`
	Coverage    *float64 `json:"coverage_percent,omitempty"`
	Identity    *float64 `json:"identity_percent,omitempty"`
	Priority    string   `json:"priority"`
}

// ToolResult groups the calls of one detection tool.
type ToolResult struct {
	NumGenes int    `json:"num_genes"`
	Genes    []Gene `json:"genes"`
}

// AssemblyStats are the headline numbers from the quast report. Every
// field is optional; a stat the report lacks stays nil.
type AssemblyStats struct {
	NumContigs  *int64   `json:"num_contigs,omitempty"`
	TotalLength *int64   `json:"total_length,omitempty"`
	N50         *int64   `json:"n50,omitempty"`
	GCPercent   *float64 `json:"gc_percent,omitempty"`
}

// Results is the parsed view of one run directory.
type Results struct {
	Metadata              map[string]interface{} `json:"metadata,omitempty"`
	AssemblyStats         *AssemblyStats         `json:"assembly_stats,omitempty"`
	ARGDetection          map[string]ToolResult  `json:"arg_detection"`
	TotalARGGenes         int                    `json:"total_arg_genes"`
	UniqueResistanceTypes []string               `json:"unique_resistance_types"`
	MLFeatures            map[string]string      `json:"ml_features,omitempty"`
	ReportHTMLPath        string                 `json:"report_html_path,omitempty"`
	OutputDirectory       string                 `json:"output_directory"`
	ParseWarnings         []string               `json:"parse_warnings,omitempty"`
}

// table is a parsed TSV: header-name lookup because the tools reorder
// their columns between versions.
type table struct {
	cols map[string]int
	rows [][]string
}

// parseTSV reads a tab-delimited file. Lines starting with # are comments;
// the first non-comment line is the header.
func parseTSV(path string) (*table, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	t := &table{cols: make(map[string]int)}
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(t.cols) == 0 {
			for i, name := range fields {
				name = strings.ToLower(strings.TrimSpace(name))
				if _, dup := t.cols[name]; !dup {
					t.cols[name] = i
				}
			}
			continue
		}
		t.rows = append(t.rows, fields)
	}
	return t, nil
}

// get returns the named column of row, trying names in order. Missing
// columns yield "".
func (t *table) get(row []string, names ...string) string {
	for _, name := range names {
		if idx, ok := t.cols[name]; ok && idx < len(row) {
			return strings.TrimSpace(row[idx])
		}
	}
	return ""
}

// num parses a numeric cell, tolerating % suffixes. Unparseable values
// yield nil, not an error.
func num(s string) *float64 {
	s = strings.TrimSuffix(strings.TrimSpace(s), "%")
	if s == "" || s == "-" || strings.EqualFold(s, "na") {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &f
}

// toolSpec maps one detection tool's output file into gene records.
type toolSpec struct {
	tool    string
	relPath func(sample string) string
	mapRow  func(t *table, row []string) Gene
}

func abricatePath(db string) func(string) string {
	return func(sample string) string {
		return filepath.Join("04_arg_detection", db, sample+"_"+db+".tsv")
	}
}

// abricateRow covers the abricate-driven databases, which share a format.
func abricateRow(t *table, row []string) Gene {
	return Gene{
		Gene:       t.get(row, "gene"),
		Coverage:   num(t.get(row, "%coverage", "coverage")),
		Identity:   num(t.get(row, "%identity", "identity")),
		Product:    t.get(row, "product"),
		Resistance: t.get(row, "resistance"),
		Contig:     t.get(row, "sequence", "contig"),
	}
}

var toolSpecs = []toolSpec{
	{
		tool: "amrfinderplus",
		relPath: func(sample string) string {
			return filepath.Join("04_arg_detection", "amrfinderplus", sample+"_amrfinderplus.tsv")
		},
		mapRow: func(t *table, row []string) Gene {
			return Gene{
				Gene:        t.get(row, "gene symbol"),
				ElementType: t.get(row, "element type"),
				Class:       t.get(row, "class"),
				Identity:    num(t.get(row, "% identity", "% identity to reference sequence")),
				Method:      t.get(row, "method"),
			}
		},
	},
	{tool: "resfinder", relPath: abricatePath("resfinder"), mapRow: abricateRow},
	{tool: "card", relPath: abricatePath("card"), mapRow: abricateRow},
	{tool: "ncbi", relPath: abricatePath("ncbi"), mapRow: abricateRow},
	{tool: "vfdb", relPath: abricatePath("vfdb"), mapRow: abricateRow},
	{tool: "plasmidfinder", relPath: abricatePath("plasmidfinder"), mapRow: abricateRow},
	{
		tool: "rgi",
		relPath: func(sample string) string {
			return filepath.Join("04_arg_detection", "rgi", sample+"_rgi.txt")
		},
		mapRow: func(t *table, row []string) Gene {
			return Gene{
				Gene:      t.get(row, "best_hit_aro"),
				DrugClass: t.get(row, "drug class"),
				Mechanism: t.get(row, "resistance mechanism"),
			}
		},
	},
}

// priorityClasses orders the classification rules; first match wins.
var priorityClasses = []struct {
	priority   string
	substrings []string
}{
	{"CRITICAL", []string{"carbapenem", "colistin", "vancomycin", "mrsa", "linezolid"}},
	{"HIGH", []string{"beta-lactam", "fluoroquinolone", "aminoglycoside", "esbl"}},
	{"MEDIUM", []string{"tetracycline", "sulfonamide", "trimethoprim", "chloramphenicol"}},
}

// classifyPriority derives a priority from the gene's resistance/class
// fields, case-insensitive substring match.
func classifyPriority(g *Gene) string {
	haystack := strings.ToLower(strings.Join([]string{g.Resistance, g.Class, g.DrugClass}, " "))
	for _, pc := range priorityClasses {
		for _, sub := range pc.substrings {
			if strings.Contains(haystack, sub) {
				return pc.priority
			}
		}
	}
	return "LOW"
}

// Parse walks outputDir and extracts everything present. It only returns
// an error when the directory itself is unreadable; per-file problems end
// up in ParseWarnings.
func Parse(outputDir, sampleID string) (*Results, error) {
	if _, err := os.Stat(outputDir); err != nil {
		return nil, err
	}

	r := &Results{
		ARGDetection:          map[string]ToolResult{},
		UniqueResistanceTypes: []string{},
		OutputDirectory:       outputDir,
	}
	warn := func(format string, args ...interface{}) {
		r.ParseWarnings = append(r.ParseWarnings, fmt.Sprintf(format, args...))
	}

	r.Metadata = parseMetadata(filepath.Join(outputDir, "METADATA.json"), warn)
	r.AssemblyStats = parseQuast(filepath.Join(outputDir, "02_assembly", "quast", "report.tsv"), warn)
	r.MLFeatures = parseMLFeatures(filepath.Join(outputDir, "06_analysis", "features_ml.csv"), warn)

	report := filepath.Join(outputDir, "06_analysis", "reports", sampleID+"_ARG_professional_report.html")
	if _, err := os.Stat(report); err == nil {
		abs, err := filepath.Abs(report)
		if err == nil {
			r.ReportHTMLPath = abs
		}
	}

	seen := map[string]bool{} // (gene, tool) dedup across everything
	typeSet := map[string]bool{}
	for _, spec := range toolSpecs {
		path := filepath.Join(outputDir, spec.relPath(sampleID))
		t, err := parseTSV(path)
		if err != nil {
			if !os.IsNotExist(err) {
				warn("%s: %v", spec.relPath(sampleID), err)
			}
			continue
		}
		genes := []Gene{}
		for _, row := range t.rows {
			g := spec.mapRow(t, row)
			if g.Gene == "" {
				continue
			}
			g.Tool = spec.tool
			g.Priority = classifyPriority(&g)
			key := g.Gene + "\x00" + g.Tool
			if seen[key] {
				continue
			}
			seen[key] = true
			genes = append(genes, g)
			for _, rt := range splitResistance(g.Resistance) {
				typeSet[rt] = true
			}
			for _, rt := range splitResistance(g.DrugClass) {
				typeSet[rt] = true
			}
		}
		sort.Slice(genes, func(i, j int) bool { return genes[i].Gene < genes[j].Gene })
		r.ARGDetection[spec.tool] = ToolResult{NumGenes: len(genes), Genes: genes}
		r.TotalARGGenes += len(genes)
	}

	for rt := range typeSet {
		r.UniqueResistanceTypes = append(r.UniqueResistanceTypes, rt)
	}
	sort.Strings(r.UniqueResistanceTypes)

	return r, nil
}

// splitResistance breaks a resistance annotation like
// "TETRACYCLINE;AMINOGLYCOSIDE" into normalised type names.
func splitResistance(s string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == ';' || r == ',' }) {
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseMetadata(path string, warn func(string, ...interface{})) map[string]interface{} {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		warn("METADATA.json: %v", err)
		return nil
	}
	return m
}

// parseQuast reads the metric-per-row quast report.
func parseQuast(path string, warn func(string, ...interface{})) *AssemblyStats {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	stats := &AssemblyStats{}
	for _, line := range strings.Split(string(b), "\n") {
		fields := strings.SplitN(strings.TrimRight(line, "\r"), "\t", 2)
		if len(fields) != 2 {
			continue
		}
		metric, value := strings.TrimSpace(fields[0]), strings.TrimSpace(fields[1])
		switch metric {
		case "# contigs":
			stats.NumContigs = intPtr(value)
		case "Total length":
			stats.TotalLength = intPtr(value)
		case "N50":
			stats.N50 = intPtr(value)
		case "GC (%)":
			stats.GCPercent = num(value)
		}
	}
	if stats.NumContigs == nil && stats.TotalLength == nil && stats.N50 == nil && stats.GCPercent == nil {
		warn("02_assembly/quast/report.tsv: no recognised metrics")
		return nil
	}
	return stats
}

func intPtr(s string) *int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return nil
	}
	return &n
}

// parseMLFeatures reads the single-row feature CSV as a map.
func parseMLFeatures(path string, warn func(string, ...interface{})) map[string]string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	rd := csv.NewReader(f)
	rd.FieldsPerRecord = -1
	records, err := rd.ReadAll()
	if err != nil {
		warn("06_analysis/features_ml.csv: %v", err)
		return nil
	}
	if len(records) < 2 {
		return nil
	}
	header, row := records[0], records[1]
	m := make(map[string]string, len(header))
	for i, name := range header {
		if i < len(row) {
			m[strings.TrimSpace(name)] = strings.TrimSpace(row[i])
		}
	}
	return m
}
