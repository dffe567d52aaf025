package api

import (
	"database/sql"
	"time"

	"ml-workbench/internal/database"
	"ml-workbench/pkg/api"
)

func completionTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}

func convertErrors(errs []database.TaskError) []string {
	var out []string
	for _, e := range errs {
		out = append(out, e.Error)
	}
	return out
}

func convertDataset(d database.Dataset) api.Dataset {
	return api.Dataset{
		Id:             d.Id,
		Name:           d.Name,
		SourceURL:      d.SourceURL,
		TestSourceURL:  d.TestSourceURL.String,
		Format:         d.Format,
		TestFraction:   d.TestFraction,
		Bucket:         d.Bucket,
		Prefix:         d.Prefix,
		Status:         d.Status,
		CreationTime:   d.CreationTime,
		CompletionTime: completionTime(d.CompletionTime),
		TrainURI:       d.TrainURI.String,
		TestURI:        d.TestURI.String,
		TrainCount:     d.TrainCount,
		TestCount:      d.TestCount,
	}
}

func convertDatasets(ds []database.Dataset) []api.Dataset {
	datasets := make([]api.Dataset, 0, len(ds))
	for _, d := range ds {
		datasets = append(datasets, convertDataset(d))
	}
	return datasets
}

func convertTrainingJob(j database.TrainingJob) (api.TrainingJob, error) {
	hyperparameters, err := database.FromJSON[map[string]string](j.Hyperparameters)
	if err != nil {
		return api.TrainingJob{}, err
	}
	return api.TrainingJob{
		Id:              j.Id,
		Name:            j.Name,
		DatasetId:       j.DatasetId,
		Image:           j.Image,
		InstanceType:    j.InstanceType,
		InstanceCount:   j.InstanceCount,
		Hyperparameters: hyperparameters,
		OutputPath:      j.OutputPath,
		PlatformJobName: j.PlatformJobName.String,
		Status:          j.Status,
		FailureReason:   j.FailureReason.String,
		ModelArtifacts:  j.ModelArtifacts.String,
		CreationTime:    j.CreationTime,
		CompletionTime:  completionTime(j.CompletionTime),
	}, nil
}

func convertTrainingJobs(js []database.TrainingJob) ([]api.TrainingJob, error) {
	jobs := make([]api.TrainingJob, 0, len(js))
	for _, j := range js {
		job, err := convertTrainingJob(j)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func convertEndpoint(e database.Endpoint) (api.Endpoint, error) {
	environment, err := database.FromJSON[map[string]string](e.Environment)
	if err != nil {
		return api.Endpoint{}, err
	}
	return api.Endpoint{
		Id:             e.Id,
		Name:           e.Name,
		TrainingJobId:  e.TrainingJobId,
		Image:          e.Image,
		InstanceType:   e.InstanceType,
		InstanceCount:  e.InstanceCount,
		Environment:    environment,
		ModelName:      e.ModelName.String,
		Status:         e.Status,
		FailureReason:  e.FailureReason.String,
		CreationTime:   e.CreationTime,
		CompletionTime: completionTime(e.CompletionTime),
	}, nil
}
