package remote

import (
	"github.com/qdrant/go-client/qdrant"

	"github.com/hermesindex/hermesindex/pkg/vectorstore"
)

func payloadToValues(p vectorstore.Payload) map[string]*qdrant.Value {
	v := map[string]*qdrant.Value{
		"source":            strValue(p.Source),
		"pg_id":             strValue(p.PgID),
		"text_hash":         strValue(p.TextHash),
		"embedding_version": strValue(p.EmbeddingVersion),
		"has_tmdb":          boolValue(p.HasTMDB),
		"size":              intValue(p.SizeBytes),
	}
	if p.ContentType != "" {
		v["content_type"] = strValue(p.ContentType)
	}
	if p.TMDBID != "" {
		v["tmdb_id"] = strValue(p.TMDBID)
	}
	if p.NSFWScore != nil {
		v["nsfw_score"] = &qdrant.Value{Kind: &qdrant.Value_DoubleValue{DoubleValue: float64(*p.NSFWScore)}}
	}
	if len(p.Languages) > 0 {
		v["languages"] = listValue(p.Languages)
	}
	if len(p.Subtitles) > 0 {
		v["subtitles"] = listValue(p.Subtitles)
	}
	if len(p.Genres) > 0 {
		v["genres"] = listValue(p.Genres)
	}
	return v
}

func valuesToPayload(v map[string]*qdrant.Value) vectorstore.Payload {
	p := vectorstore.Payload{
		Source:           v["source"].GetStringValue(),
		PgID:             v["pg_id"].GetStringValue(),
		TextHash:         v["text_hash"].GetStringValue(),
		EmbeddingVersion: v["embedding_version"].GetStringValue(),
		ContentType:      v["content_type"].GetStringValue(),
		HasTMDB:          v["has_tmdb"].GetBoolValue(),
		TMDBID:           v["tmdb_id"].GetStringValue(),
		SizeBytes:        v["size"].GetIntegerValue(),
	}
	if nsfw, ok := v["nsfw_score"]; ok && nsfw != nil {
		score := float32(nsfw.GetDoubleValue())
		p.NSFWScore = &score
	}
	p.Languages = listToStrings(v["languages"])
	p.Subtitles = listToStrings(v["subtitles"])
	p.Genres = listToStrings(v["genres"])
	return p
}

func strValue(s string) *qdrant.Value {
	return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: s}}
}

func boolValue(b bool) *qdrant.Value {
	return &qdrant.Value{Kind: &qdrant.Value_BoolValue{BoolValue: b}}
}

func intValue(i int64) *qdrant.Value {
	return &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: i}}
}

func listValue(items []string) *qdrant.Value {
	values := make([]*qdrant.Value, len(items))
	for i, s := range items {
		values[i] = strValue(s)
	}
	return &qdrant.Value{Kind: &qdrant.Value_ListValue{ListValue: &qdrant.ListValue{Values: values}}}
}

func listToStrings(v *qdrant.Value) []string {
	if v == nil || v.GetListValue() == nil {
		return nil
	}
	out := make([]string, 0, len(v.GetListValue().Values))
	for _, item := range v.GetListValue().Values {
		out = append(out, item.GetStringValue())
	}
	return out
}
