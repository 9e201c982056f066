package search

import (
	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/simple"
	"github.com/blevesearch/bleve/v2/mapping"
)

// buildIndexMapping creates the mapping for krithi documents.
//
// Titles are transliterated Indic words, so the English stemmer would only damage them:
// the title field uses the simple analyzer (lowercase letter runs) and everything else
// is a keyword.
func buildIndexMapping() mapping.IndexMapping {
	indexMapping := bleve.NewIndexMapping()
	indexMapping.DefaultAnalyzer = simple.Name

	docMapping := bleve.NewDocumentMapping()

	titleFieldMapping := bleve.NewTextFieldMapping()
	titleFieldMapping.Analyzer = simple.Name
	titleFieldMapping.Store = true
	docMapping.AddFieldMappingsAt("title", titleFieldMapping)

	normalizedFieldMapping := bleve.NewTextFieldMapping()
	normalizedFieldMapping.Analyzer = keyword.Name
	normalizedFieldMapping.Store = true
	docMapping.AddFieldMappingsAt("normalized_title", normalizedFieldMapping)

	compressedFieldMapping := bleve.NewTextFieldMapping()
	compressedFieldMapping.Analyzer = keyword.Name
	docMapping.AddFieldMappingsAt("compressed_title", compressedFieldMapping)

	composerFieldMapping := bleve.NewTextFieldMapping()
	composerFieldMapping.Analyzer = keyword.Name
	composerFieldMapping.Store = true
	docMapping.AddFieldMappingsAt("composer_id", composerFieldMapping)

	ragaFieldMapping := bleve.NewTextFieldMapping()
	ragaFieldMapping.Analyzer = keyword.Name
	docMapping.AddFieldMappingsAt("raga_ids", ragaFieldMapping)

	idFieldMapping := bleve.NewTextFieldMapping()
	idFieldMapping.Analyzer = keyword.Name
	docMapping.AddFieldMappingsAt("id", idFieldMapping)

	indexMapping.AddDocumentMapping("_default", docMapping)
	return indexMapping
}
