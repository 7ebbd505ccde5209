package refdata

import "time"

// Datasets holds the three decoded open-data exports a graph is built from.
type Datasets struct {
	Lines     []LineRecord
	Stops     []StopRecord
	Relations []RelationRecord
	FetchedAt time.Time
}

// LineRecord is one row of the lines referential.
type LineRecord struct {
	ID            string `csv:"id_line"`
	Name          string `csv:"name_line"`
	ShortName     string `csv:"shortname_line"`
	TransportMode string `csv:"transportmode"`
	Operator      string `csv:"operatorname"`
}

// StopRecord is one row of the stops export.
type StopRecord struct {
	ID   string `csv:"stop_id"`
	Name string `csv:"stop_name"`
	Lat  string `csv:"stop_lat"`
	Lon  string `csv:"stop_lon"`
	Town string `csv:"nom_commune"`
}

// RelationRecord links a line to one of its stops.
type RelationRecord struct {
	LineID string `csv:"id"`
	StopID string `csv:"stop_id"`
}
